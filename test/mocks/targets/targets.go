// Package targets provides contract handlers for the memory backend used in tests
package targets

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402-foundation/forwarder/backends/memory"
)

// Storage keys written by the handlers
const (
	KeyCount      = "count"
	KeyLastSender = "lastSender"
	KeyLastInput  = "lastInput"
	KeyCallback   = "callbackError"
)

// ============================================================================
// Counter
// ============================================================================

// Counter increments a counter and remembers who called it and with what.
// Every call uses exactly gas.
func Counter(gas uint64) memory.Contract {
	return func(ctx context.Context, env *memory.Env) ([]byte, uint64, error) {
		count := new(big.Int).SetBytes(env.Get(KeyCount))
		count.Add(count, big.NewInt(1))
		env.Set(KeyCount, count.Bytes())
		env.Set(KeyLastSender, env.Sender.Bytes())
		env.Set(KeyLastInput, env.Input)
		return common.LeftPadBytes(count.Bytes(), 32), gas, nil
	}
}

// Count reads a Counter's value from the backend
func Count(backend *memory.Backend, address common.Address) uint64 {
	return new(big.Int).SetBytes(backend.Storage(address, KeyCount)).Uint64()
}

// LastSender reads the sender a Counter saw last
func LastSender(backend *memory.Backend, address common.Address) common.Address {
	return common.BytesToAddress(backend.Storage(address, KeyLastSender))
}

// ============================================================================
// Failing targets
// ============================================================================

// Reverting writes to storage and then reverts with reason after using gas
func Reverting(reason string, gas uint64) memory.Contract {
	return func(ctx context.Context, env *memory.Env) ([]byte, uint64, error) {
		env.Set(KeyCount, []byte{0xff})
		return nil, gas, errors.New(reason)
	}
}

// GasBurner reports using gas, which may exceed the call budget
func GasBurner(gas uint64) memory.Contract {
	return func(ctx context.Context, env *memory.Env) ([]byte, uint64, error) {
		return nil, gas, nil
	}
}

// ============================================================================
// Callback
// ============================================================================

// Callback runs fn during the call and stores its error text, so tests can
// see what a nested call into the forwarder returned. The call itself succeeds.
func Callback(gas uint64, fn func(ctx context.Context, env *memory.Env) error) memory.Contract {
	return func(ctx context.Context, env *memory.Env) ([]byte, uint64, error) {
		if err := fn(ctx, env); err != nil {
			env.Set(KeyCallback, []byte(err.Error()))
		}
		return nil, gas, nil
	}
}

// CallbackError reads the error a Callback handler stored
func CallbackError(backend *memory.Backend, address common.Address) string {
	return string(backend.Storage(address, KeyCallback))
}
