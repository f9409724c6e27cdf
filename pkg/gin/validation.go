package gin

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"

	"github.com/x402-foundation/forwarder"
)

const (
	addressPattern = `^0x[0-9a-fA-F]{40}$`
	hexPattern     = `^0x([0-9a-fA-F]{2})*$`
	amountPattern  = `^[0-9]+$`
)

var forwardRequestSchema = fmt.Sprintf(`{
	"type": "object",
	"required": ["from", "to", "gas", "nonce"],
	"properties": {
		"from": {"type": "string", "pattern": %[1]q},
		"to": {"type": "string", "pattern": %[1]q},
		"value": {"type": "string", "pattern": %[3]q},
		"gas": {"type": "integer", "minimum": 0},
		"nonce": {"type": "integer", "minimum": 0},
		"data": {"type": "string", "pattern": %[2]q}
	}
}`, addressPattern, hexPattern, amountPattern)

var (
	signedRequestSchema = gojsonschema.NewStringLoader(fmt.Sprintf(`{
	"type": "object",
	"required": ["request", "signature"],
	"additionalProperties": false,
	"properties": {
		"request": %s,
		"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"}
	}
}`, forwardRequestSchema))

	fundSchema = gojsonschema.NewStringLoader(fmt.Sprintf(`{
	"type": "object",
	"required": ["funder", "amount"],
	"properties": {
		"funder": {"type": "string", "pattern": %q},
		"amount": {"type": "string", "pattern": %q}
	}
}`, addressPattern, amountPattern))

	withdrawSchema = gojsonschema.NewStringLoader(fmt.Sprintf(`{
	"type": "object",
	"required": ["amount"],
	"properties": {
		"amount": {"type": "string", "pattern": %q}
	}
}`, amountPattern))

	relayerChangeSchema = gojsonschema.NewStringLoader(fmt.Sprintf(`{
	"type": "object",
	"required": ["relayer", "authorized"],
	"properties": {
		"relayer": {"type": "string", "pattern": %q},
		"authorized": {"type": "boolean"},
		"eta": {"type": "integer", "minimum": 0}
	}
}`, addressPattern))

	maxGasLimitChangeSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["maxGasLimit"],
	"properties": {
		"maxGasLimit": {"type": "integer", "minimum": 0},
		"eta": {"type": "integer", "minimum": 0}
	}
}`)
)

type forwardRequestBody struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value,omitempty"`
	Gas   uint64 `json:"gas"`
	Nonce uint64 `json:"nonce"`
	Data  string `json:"data,omitempty"`
}

type signedRequestBody struct {
	Request   forwardRequestBody `json:"request"`
	Signature string             `json:"signature"`
}

type fundBody struct {
	Funder string `json:"funder"`
	Amount string `json:"amount"`
}

type withdrawBody struct {
	Amount string `json:"amount"`
}

type relayerChangeBody struct {
	Relayer    string `json:"relayer"`
	Authorized bool   `json:"authorized"`
	ETA        int64  `json:"eta"`
}

type maxGasLimitChangeBody struct {
	MaxGasLimit uint64 `json:"maxGasLimit"`
	ETA         int64  `json:"eta"`
}

// bindJSON validates the request body against schema before decoding it into out
func bindJSON(c *gin.Context, schema gojsonschema.JSONLoader, out interface{}) error {
	raw, err := c.GetRawData()
	if err != nil {
		return forwarder.NewError(forwarder.ErrCodeInvalidRequest, "failed to read body", nil)
	}

	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return forwarder.NewError(forwarder.ErrCodeInvalidRequest, "body is not valid JSON", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return forwarder.NewError(forwarder.ErrCodeInvalidRequest, "body does not match schema", map[string]interface{}{
			"errors": problems,
		})
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return forwarder.NewError(forwarder.ErrCodeInvalidRequest, "failed to decode body", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return nil
}

func (b forwardRequestBody) toRequest() (forwarder.ForwardRequest, error) {
	req := forwarder.ForwardRequest{
		From:  common.HexToAddress(b.From),
		To:    common.HexToAddress(b.To),
		Gas:   b.Gas,
		Nonce: b.Nonce,
	}
	if b.Value != "" {
		value, err := parseAmount(b.Value)
		if err != nil {
			return forwarder.ForwardRequest{}, err
		}
		req.Value = value
	} else {
		req.Value = new(big.Int)
	}
	if b.Data != "" && b.Data != "0x" {
		data, err := hexutil.Decode(b.Data)
		if err != nil {
			return forwarder.ForwardRequest{}, forwarder.NewError(forwarder.ErrCodeInvalidRequest, "invalid data", nil)
		}
		req.Data = data
	}
	return req, nil
}

func parseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, forwarder.NewError(forwarder.ErrCodeInvalidRequest, "invalid amount", map[string]interface{}{
			"amount": s,
		})
	}
	return amount, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, forwarder.NewError(forwarder.ErrCodeInvalidRequest, "invalid address", map[string]interface{}{
			"address": s,
		})
	}
	return common.HexToAddress(s), nil
}
