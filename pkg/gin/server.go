package gin

import (
	"crypto/subtle"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"

	"github.com/x402-foundation/forwarder"
	"github.com/x402-foundation/forwarder/audit"
)

// ServerOptions configures the forwarder HTTP API
type ServerOptions struct {
	// Relayer is the account the server submits executions as
	Relayer common.Address
	// GasPricer supplies the gas price executions are charged at; zero when nil
	GasPricer ethereum.GasPricer
	// Events serves GET /events; the forwarder's own log is used when nil
	Events audit.Store
	// Cache deduplicates retried executions
	Cache *forwarder.ExecutionCache
	// AdminToken enables the /admin routes, which act as the forwarder owner
	AdminToken string
}

// Options is the type for the options for NewRouter.
type Options func(*ServerOptions)

// WithRelayer sets the relayer executions are submitted as.
func WithRelayer(relayer common.Address) Options {
	return func(options *ServerOptions) {
		options.Relayer = relayer
	}
}

// WithGasPricer sets the gas price source for executions.
func WithGasPricer(pricer ethereum.GasPricer) Options {
	return func(options *ServerOptions) {
		options.GasPricer = pricer
	}
}

// WithEventStore serves events from store.
func WithEventStore(store audit.Store) Options {
	return func(options *ServerOptions) {
		options.Events = store
	}
}

// WithExecutionCache enables deduplication of retried executions.
func WithExecutionCache(cache *forwarder.ExecutionCache) Options {
	return func(options *ServerOptions) {
		options.Cache = cache
	}
}

// WithAdminToken enables the owner routes behind a bearer token.
func WithAdminToken(token string) Options {
	return func(options *ServerOptions) {
		options.AdminToken = token
	}
}

type server struct {
	fwd  *forwarder.Forwarder
	opts *ServerOptions
}

// NewRouter builds the HTTP API over fwd
func NewRouter(fwd *forwarder.Forwarder, opts ...Options) *gin.Engine {
	options := &ServerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": c.Request.URL.Path}})
	})
	Register(router, fwd, options)
	return router
}

// Register mounts the forwarder routes on router
func Register(router gin.IRouter, fwd *forwarder.Forwarder, options *ServerOptions) {
	s := &server{fwd: fwd, opts: options}

	router.GET("/health", s.health)
	router.GET("/domain", s.domain)
	router.GET("/nonce/:account", s.nonce)
	router.GET("/sponsorship", s.sponsorship)
	router.GET("/relayers", s.relayers)
	router.GET("/relayers/:account", s.relayer)
	router.GET("/events", s.events)
	router.POST("/verify", s.verify)
	router.POST("/execute", s.execute)

	if options.AdminToken == "" {
		log.Info("Admin routes disabled; no admin token configured")
		return
	}
	admin := router.Group("/admin", adminAuth(options.AdminToken))
	admin.POST("/fund", s.fund)
	admin.POST("/withdraw", s.withdraw)
	admin.POST("/relayers/schedule", s.scheduleRelayer)
	admin.POST("/relayers/execute", s.executeRelayer)
	admin.POST("/max-gas-limit/schedule", s.scheduleMaxGasLimit)
	admin.POST("/max-gas-limit/execute", s.executeMaxGasLimit)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("Handled request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}

func adminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "admin token required"},
			})
			return
		}
		c.Next()
	}
}

// ============================================================================
// Reads
// ============================================================================

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"forwarder": s.fwd.Address(),
		"owner":     s.fwd.Owner(),
		"relayer":   s.opts.Relayer,
	})
}

func (s *server) domain(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"domain":          s.fwd.Domain(),
		"domainSeparator": s.fwd.DomainSeparator(),
	})
}

func (s *server) nonce(c *gin.Context) {
	account, err := parseAddress(c.Param("account"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account": account,
		"nonce":   s.fwd.GetNonce(account),
	})
}

func (s *server) sponsorship(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"balance":       s.fwd.SponsorshipBalance().String(),
		"maxWithdrawal": s.fwd.MaxWithdrawal().String(),
		"maxGasLimit":   s.fwd.MaxGasLimit(),
		"gasOverhead":   s.fwd.GasOverhead(),
	})
}

func (s *server) relayers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"relayers": s.fwd.AuthorizedRelayers()})
}

func (s *server) relayer(c *gin.Context) {
	account, err := parseAddress(c.Param("account"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"relayer":    account,
		"authorized": s.fwd.IsAuthorizedRelayer(account),
	})
}

func (s *server) events(c *gin.Context) {
	filter := audit.Filter{Type: forwarder.EventType(c.Query("type"))}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			abortWithError(c, forwarder.NewError(forwarder.ErrCodeInvalidRequest, "invalid limit", nil))
			return
		}
		filter.Limit = limit
	}

	if s.opts.Events != nil {
		events, err := s.opts.Events.List(c.Request.Context(), filter)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
		return
	}

	events := make([]forwarder.Event, 0)
	for _, event := range s.fwd.Events() {
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		if filter.Limit > 0 && len(events) == filter.Limit {
			break
		}
		events = append(events, event)
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ============================================================================
// Execution
// ============================================================================

func (s *server) verify(c *gin.Context) {
	var body signedRequestBody
	if err := bindJSON(c, signedRequestSchema, &body); err != nil {
		abortWithError(c, err)
		return
	}
	req, sig, err := body.decode()
	if err != nil {
		abortWithError(c, err)
		return
	}

	valid, err := s.fwd.Verify(c.Request.Context(), req, sig)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":        valid,
		"currentNonce": s.fwd.GetNonce(req.From),
	})
}

func (s *server) execute(c *gin.Context) {
	var body signedRequestBody
	if err := bindJSON(c, signedRequestSchema, &body); err != nil {
		abortWithError(c, err)
		return
	}
	req, sig, err := body.decode()
	if err != nil {
		abortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	gasPrice, err := s.gasPrice(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	caller := forwarder.Caller{Address: s.opts.Relayer, GasPrice: gasPrice}

	run := func() (*forwarder.ExecuteResult, error) {
		return s.fwd.Execute(ctx, caller, req, sig)
	}

	var (
		result *forwarder.ExecuteResult
		cached bool
	)
	if s.opts.Cache != nil {
		key, keyErr := forwarder.ExecutionKey(s.fwd.DomainSeparator(), req, sig)
		if keyErr != nil {
			abortWithError(c, forwarder.NewError(forwarder.ErrCodeInvalidRequest, keyErr.Error(), nil))
			return
		}
		result, cached, err = s.opts.Cache.Do(ctx, key, run)
	} else {
		result, err = run()
	}
	if err != nil {
		abortWithError(c, err)
		return
	}

	log.Info("Executed forward request", "from", result.From, "to", result.To, "nonce", result.Nonce,
		"success", result.Success, "gasCost", result.GasCost, "cached", cached)
	c.JSON(http.StatusOK, gin.H{
		"result": result,
		"cached": cached,
	})
}

// gasPrice is the price the relayer observes. Clients never choose it.
func (s *server) gasPrice(c *gin.Context) (*big.Int, error) {
	if s.opts.GasPricer == nil {
		return new(big.Int), nil
	}
	price, err := s.opts.GasPricer.SuggestGasPrice(c.Request.Context())
	if err != nil {
		log.Warn("Failed to fetch gas price", "err", err)
		return nil, err
	}
	return price, nil
}

func (b signedRequestBody) decode() (forwarder.ForwardRequest, []byte, error) {
	req, err := b.Request.toRequest()
	if err != nil {
		return forwarder.ForwardRequest{}, nil, err
	}
	sig, err := hexutil.Decode(b.Signature)
	if err != nil {
		return forwarder.ForwardRequest{}, nil, forwarder.NewError(forwarder.ErrCodeInvalidRequest, "invalid signature encoding", nil)
	}
	return req, sig, nil
}

// ============================================================================
// Owner operations
// ============================================================================

func (s *server) fund(c *gin.Context) {
	var body fundBody
	if err := bindJSON(c, fundSchema, &body); err != nil {
		abortWithError(c, err)
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.fwd.Fund(c.Request.Context(), common.HexToAddress(body.Funder), amount); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": s.fwd.SponsorshipBalance().String()})
}

func (s *server) withdraw(c *gin.Context) {
	var body withdrawBody
	if err := bindJSON(c, withdrawSchema, &body); err != nil {
		abortWithError(c, err)
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.fwd.Withdraw(c.Request.Context(), s.fwd.Owner(), amount); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": s.fwd.SponsorshipBalance().String()})
}

func (s *server) scheduleRelayer(c *gin.Context) {
	var body relayerChangeBody
	if err := bindJSON(c, relayerChangeSchema, &body); err != nil {
		abortWithError(c, err)
		return
	}
	eta, err := s.fwd.ScheduleRelayerAuthorization(c.Request.Context(), s.fwd.Owner(), common.HexToAddress(body.Relayer), body.Authorized)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, etaResponse(eta))
}

func (s *server) executeRelayer(c *gin.Context) {
	var body relayerChangeBody
	if err := bindJSON(c, relayerChangeSchema, &body); err != nil {
		abortWithError(c, err)
		return
	}
	relayer := common.HexToAddress(body.Relayer)
	err := s.fwd.ExecuteRelayerAuthorization(c.Request.Context(), s.fwd.Owner(), relayer, body.Authorized, unixETA(body.ETA))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"relayer":    relayer,
		"authorized": s.fwd.IsAuthorizedRelayer(relayer),
	})
}

func (s *server) scheduleMaxGasLimit(c *gin.Context) {
	var body maxGasLimitChangeBody
	if err := bindJSON(c, maxGasLimitChangeSchema, &body); err != nil {
		abortWithError(c, err)
		return
	}
	eta, err := s.fwd.ScheduleMaxGasLimit(c.Request.Context(), s.fwd.Owner(), body.MaxGasLimit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, etaResponse(eta))
}

func (s *server) executeMaxGasLimit(c *gin.Context) {
	var body maxGasLimitChangeBody
	if err := bindJSON(c, maxGasLimitChangeSchema, &body); err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.fwd.ExecuteMaxGasLimit(c.Request.Context(), s.fwd.Owner(), body.MaxGasLimit, unixETA(body.ETA)); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"maxGasLimit": s.fwd.MaxGasLimit()})
}

// unixETA treats 0 as the zero time, which the forwarder considers already due
func unixETA(seconds int64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}

func etaResponse(eta time.Time) gin.H {
	return gin.H{
		"eta":     eta.Unix(),
		"etaTime": eta.Format(time.RFC3339),
	}
}
