package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/models"
)

// RequestSigner authorizes outbound requests and owns token lifecycle.
// *oauth.Session implements it.
type RequestSigner interface {
	SignRequest(req *http.Request) error
	Renew(ctx context.Context) error
	Invalidate(reason string)
}

const (
	maxAttempts     = 3
	initialBackoff  = time.Second
	maxErrBody      = 64 * 1024
	errBodyInLog    = 512
	defaultHTTPWait = 30 * time.Second
)

// ETrade is the REST adapter for the E*TRADE v1 API. Every request is
// OAuth-signed; transient failures are retried in-band with 1s/2s/4s
// backoff; a 401 that names a token problem triggers a single renew
// before the request is retried once.
type ETrade struct {
	client    *http.Client
	signer    RequestSigner
	baseURL   string
	logger    zerolog.Logger
	retryWait time.Duration

	mu           sync.Mutex
	accountIDKey string
	renewedOnce  bool
}

// NewETrade builds the adapter. accountIDKey may be empty, in which case
// the first active account is resolved lazily and cached.
func NewETrade(signer RequestSigner, baseURL, accountIDKey string, timeout time.Duration, logger zerolog.Logger) *ETrade {
	if timeout <= 0 {
		timeout = defaultHTTPWait
	}
	return &ETrade{
		client:       &http.Client{Timeout: timeout},
		signer:       signer,
		baseURL:      strings.TrimRight(baseURL, "/"),
		accountIDKey: accountIDKey,
		retryWait:    initialBackoff,
		logger:       logger.With().Str("component", "etrade").Logger(),
	}
}

// WithHTTPClient swaps the transport, for tests.
func (e *ETrade) WithHTTPClient(c *http.Client) *ETrade {
	if c != nil {
		e.client = c
	}
	return e
}

// --- transport --------------------------------------------------------

// call performs one signed API request with bounded retries. The raw
// body and content type come back for the typed parsers.
func (e *ETrade) call(ctx context.Context, op, method, path string, query url.Values, body any) ([]byte, string, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("%s: encode request: %w", op, err)
		}
	}

	fullURL := e.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	backoff := e.retryWait
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return nil, "", fmt.Errorf("%s: %w", op, ctx.Err())
			}
		}

		data, contentType, err := e.once(ctx, op, method, fullURL, payload)
		if err == nil {
			return data, contentType, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Kind == KindPermissionDenied {
			if tokenProblem(apiErr.Body) {
				if e.tryRenew(ctx) {
					// Renewed token, retry immediately without burning backoff.
					attempt--
					continue
				}
				e.signer.Invalidate("broker rejected token twice")
			}
			return nil, "", err
		}
		if !IsTransient(err) {
			return nil, "", err
		}
		e.logger.Warn().Str("op", op).Int("attempt", attempt+1).Err(err).Msg("transient broker failure")
	}
	return nil, "", fmt.Errorf("%s: exhausted %d attempts: %w", op, maxAttempts, lastErr)
}

// once performs exactly one signed request.
func (e *ETrade) once(ctx context.Context, op, method, fullURL string, payload []byte) ([]byte, string, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, "", fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := e.signer.SignRequest(req); err != nil {
		return nil, "", fmt.Errorf("%s: sign: %w", op, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Warn().Err(cerr).Msg("failed to close response body")
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	if err != nil {
		return nil, "", fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", newAPIError(op, resp.StatusCode, truncate(string(data), errBodyInLog))
	}
	e.resetRenewGate()
	return data, resp.Header.Get("Content-Type"), nil
}

// tryRenew performs at most one in-band token renewal per run of 401s.
// Returns true when the caller should retry the original request.
func (e *ETrade) tryRenew(ctx context.Context) bool {
	e.mu.Lock()
	if e.renewedOnce {
		e.mu.Unlock()
		return false
	}
	e.renewedOnce = true
	e.mu.Unlock()

	e.logger.Info().Msg("401 names a token problem, attempting in-band renew")
	if err := e.signer.Renew(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("in-band renew failed")
		return false
	}
	return true
}

func (e *ETrade) resetRenewGate() {
	e.mu.Lock()
	e.renewedOnce = false
	e.mu.Unlock()
}

func tokenProblem(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "token_revoked") ||
		strings.Contains(lower, "token_inactive") ||
		strings.Contains(lower, "token_rejected") ||
		strings.Contains(lower, "oauth_problem")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// decodeBody unmarshals a response that may be JSON or XML. JSON bodies
// carry a named wrapper object; XML uses the same name as root element.
func decodeBody(contentType string, data []byte, jsonTarget, xmlTarget any) error {
	if strings.Contains(contentType, "xml") {
		return xml.Unmarshal(data, xmlTarget)
	}
	return json.Unmarshal(data, jsonTarget)
}

// --- accounts ---------------------------------------------------------

type accountListResponse struct {
	XMLName  xml.Name `json:"-" xml:"AccountListResponse"`
	Accounts struct {
		Account []accountPayload `json:"Account" xml:"Account"`
	} `json:"Accounts" xml:"Accounts"`
}

type accountListEnvelope struct {
	Response accountListResponse `json:"AccountListResponse"`
}

type accountPayload struct {
	AccountID     string `json:"accountId" xml:"accountId"`
	AccountIDKey  string `json:"accountIdKey" xml:"accountIdKey"`
	AccountStatus string `json:"accountStatus" xml:"accountStatus"`
	AccountType   string `json:"accountType" xml:"accountType"`
	AccountDesc   string `json:"accountDesc" xml:"accountDesc"`
}

func (e *ETrade) ListAccounts(ctx context.Context) ([]Account, error) {
	data, ct, err := e.call(ctx, "list accounts", http.MethodGet, "/v1/accounts/list", nil, nil)
	if err != nil {
		return nil, err
	}
	var env accountListEnvelope
	if err := decodeBody(ct, data, &env, &env.Response); err != nil {
		return nil, &APIError{Kind: KindFatal, Op: "list accounts", Body: "parse: " + err.Error()}
	}
	out := make([]Account, 0, len(env.Response.Accounts.Account))
	for _, a := range env.Response.Accounts.Account {
		out = append(out, Account{
			AccountID:    a.AccountID,
			AccountIDKey: a.AccountIDKey,
			Status:       a.AccountStatus,
			Type:         a.AccountType,
			Description:  a.AccountDesc,
		})
	}
	return out, nil
}

// accountKey returns the configured account id key, resolving and
// caching the first active account when none was configured.
func (e *ETrade) accountKey(ctx context.Context) (string, error) {
	e.mu.Lock()
	key := e.accountIDKey
	e.mu.Unlock()
	if key != "" {
		return key, nil
	}

	accounts, err := e.ListAccounts(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve account: %w", err)
	}
	for _, a := range accounts {
		if strings.EqualFold(a.Status, "ACTIVE") {
			e.mu.Lock()
			e.accountIDKey = a.AccountIDKey
			e.mu.Unlock()
			e.logger.Info().Str("account_id", a.AccountID).Msg("resolved active account")
			return a.AccountIDKey, nil
		}
	}
	return "", &APIError{Kind: KindFatal, Op: "resolve account", Body: "no active account"}
}

type balanceResponse struct {
	XMLName  xml.Name `json:"-" xml:"BalanceResponse"`
	Computed struct {
		CashAvailableForInvestment float64 `json:"cashAvailableForInvestment" xml:"cashAvailableForInvestment"`
		CashBuyingPower            float64 `json:"cashBuyingPower" xml:"cashBuyingPower"`
		MarginBuyingPower          float64 `json:"marginBuyingPower" xml:"marginBuyingPower"`
		RealTimeValues             struct {
			TotalAccountValue float64 `json:"totalAccountValue" xml:"totalAccountValue"`
		} `json:"RealTimeValues" xml:"RealTimeValues"`
	} `json:"Computed" xml:"Computed"`
}

type balanceEnvelope struct {
	Response balanceResponse `json:"BalanceResponse"`
}

func (e *ETrade) GetBalance(ctx context.Context) (*Balance, error) {
	key, err := e.accountKey(ctx)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("instType", "BROKERAGE")
	query.Set("realTimeNAV", "true")
	data, ct, err := e.call(ctx, "get balance", http.MethodGet, "/v1/accounts/"+key+"/balance", query, nil)
	if err != nil {
		return nil, err
	}
	var env balanceEnvelope
	if err := decodeBody(ct, data, &env, &env.Response); err != nil {
		return nil, &APIError{Kind: KindFatal, Op: "get balance", Body: "parse: " + err.Error()}
	}
	c := env.Response.Computed
	buyingPower := c.MarginBuyingPower
	if buyingPower <= 0 {
		buyingPower = c.CashBuyingPower
	}
	return &Balance{
		AccountValue:               c.RealTimeValues.TotalAccountValue,
		CashAvailableForInvestment: c.CashAvailableForInvestment,
		BuyingPower:                buyingPower,
	}, nil
}

type portfolioResponse struct {
	XMLName          xml.Name `json:"-" xml:"PortfolioResponse"`
	AccountPortfolio []struct {
		Position []struct {
			SymbolDescription string  `json:"symbolDescription" xml:"symbolDescription"`
			Quantity          float64 `json:"quantity" xml:"quantity"`
			PricePaid         float64 `json:"pricePaid" xml:"pricePaid"`
			MarketValue       float64 `json:"marketValue" xml:"marketValue"`
			Product           struct {
				Symbol       string `json:"symbol" xml:"symbol"`
				SecurityType string `json:"securityType" xml:"securityType"`
			} `json:"Product" xml:"Product"`
		} `json:"Position" xml:"Position"`
	} `json:"AccountPortfolio" xml:"AccountPortfolio"`
}

type portfolioEnvelope struct {
	Response portfolioResponse `json:"PortfolioResponse"`
}

func (e *ETrade) ListPositions(ctx context.Context) ([]PortfolioPosition, error) {
	key, err := e.accountKey(ctx)
	if err != nil {
		return nil, err
	}
	data, ct, err := e.call(ctx, "list positions", http.MethodGet, "/v1/accounts/"+key+"/portfolio", nil, nil)
	if err != nil {
		// The portfolio endpoint 404s on an empty account.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	var env portfolioEnvelope
	if err := decodeBody(ct, data, &env, &env.Response); err != nil {
		return nil, &APIError{Kind: KindFatal, Op: "list positions", Body: "parse: " + err.Error()}
	}
	var out []PortfolioPosition
	for _, ap := range env.Response.AccountPortfolio {
		for _, p := range ap.Position {
			symbol := p.Product.Symbol
			if symbol == "" {
				symbol = p.SymbolDescription
			}
			out = append(out, PortfolioPosition{
				Symbol:       symbol,
				SecurityType: p.Product.SecurityType,
				Quantity:     p.Quantity,
				PricePaid:    p.PricePaid,
				MarketValue:  p.MarketValue,
			})
		}
	}
	return out, nil
}

// --- market data ------------------------------------------------------

type quoteResponse struct {
	XMLName   xml.Name `json:"-" xml:"QuoteResponse"`
	QuoteData []struct {
		DateTimeUTC int64 `json:"dateTimeUTC" xml:"dateTimeUTC"`
		Product     struct {
			Symbol string `json:"symbol" xml:"symbol"`
		} `json:"Product" xml:"Product"`
		All struct {
			LastTrade     float64 `json:"lastTrade" xml:"lastTrade"`
			Bid           float64 `json:"bid" xml:"bid"`
			Ask           float64 `json:"ask" xml:"ask"`
			TotalVolume   int64   `json:"totalVolume" xml:"totalVolume"`
			AverageVolume int64   `json:"averageVolume" xml:"averageVolume"`
			Open          float64 `json:"open" xml:"open"`
			High          float64 `json:"high" xml:"high"`
			Low           float64 `json:"low" xml:"low"`
			PreviousClose float64 `json:"previousClose" xml:"previousClose"`
		} `json:"All" xml:"All"`
	} `json:"QuoteData" xml:"QuoteData"`
}

type quoteEnvelope struct {
	Response quoteResponse `json:"QuoteResponse"`
}

func (e *ETrade) GetQuotes(ctx context.Context, symbols []string) ([]models.Quote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	query := url.Values{}
	query.Set("detailFlag", "ALL")
	path := "/v1/market/quote/" + url.PathEscape(strings.Join(symbols, ","))
	data, ct, err := e.call(ctx, "get quotes", http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	var env quoteEnvelope
	if err := decodeBody(ct, data, &env, &env.Response); err != nil {
		return nil, &APIError{Kind: KindFatal, Op: "get quotes", Body: "parse: " + err.Error()}
	}
	out := make([]models.Quote, 0, len(env.Response.QuoteData))
	for _, qd := range env.Response.QuoteData {
		out = append(out, models.Quote{
			Symbol:    qd.Product.Symbol,
			Last:      qd.All.LastTrade,
			Bid:       qd.All.Bid,
			Ask:       qd.All.Ask,
			Volume:    qd.All.TotalVolume,
			AvgVolume: qd.All.AverageVolume,
			Open:      qd.All.Open,
			High:      qd.All.High,
			Low:       qd.All.Low,
			PrevClose: qd.All.PreviousClose,
			Timestamp: time.Unix(qd.DateTimeUTC, 0).UTC(),
		})
	}
	return out, nil
}

type chainResponse struct {
	XMLName    xml.Name `json:"-" xml:"OptionChainResponse"`
	TimeStamp  int64    `json:"timeStamp" xml:"timeStamp"`
	OptionPair []struct {
		Call *optionPayload `json:"Call" xml:"Call"`
		Put  *optionPayload `json:"Put" xml:"Put"`
	} `json:"OptionPair" xml:"OptionPair"`
}

type chainEnvelope struct {
	Response chainResponse `json:"OptionChainResponse"`
}

type optionPayload struct {
	Symbol       string  `json:"symbol" xml:"symbol"`
	OptionType   string  `json:"optionType" xml:"optionType"`
	StrikePrice  float64 `json:"strikePrice" xml:"strikePrice"`
	Bid          float64 `json:"bid" xml:"bid"`
	Ask          float64 `json:"ask" xml:"ask"`
	LastPrice    float64 `json:"lastPrice" xml:"lastPrice"`
	Volume       int64   `json:"volume" xml:"volume"`
	OpenInterest int64   `json:"openInterest" xml:"openInterest"`
	OptionGreeks struct {
		Delta float64 `json:"delta" xml:"delta"`
		Gamma float64 `json:"gamma" xml:"gamma"`
		Theta float64 `json:"theta" xml:"theta"`
		Vega  float64 `json:"vega" xml:"vega"`
		IV    float64 `json:"iv" xml:"iv"`
	} `json:"OptionGreeks" xml:"OptionGreeks"`
}

func (e *ETrade) GetOptionChain(ctx context.Context, symbol string, expiry time.Time, nearStrikes int, withGreeks bool) (*OptionChain, error) {
	if nearStrikes <= 0 {
		nearStrikes = 10
	}
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("expiryYear", fmt.Sprintf("%04d", expiry.Year()))
	query.Set("expiryMonth", fmt.Sprintf("%02d", int(expiry.Month())))
	query.Set("expiryDay", fmt.Sprintf("%02d", expiry.Day()))
	// noOfStrikes counts both sides of ATM.
	query.Set("noOfStrikes", fmt.Sprintf("%d", nearStrikes*2))
	query.Set("includeWeekly", "true")
	query.Set("chainType", "CALLPUT")
	query.Set("priceType", "ALL")
	if withGreeks {
		query.Set("optionCategory", "ALL")
	}

	data, ct, err := e.call(ctx, "get option chain", http.MethodGet, "/v1/market/optionchains", query, nil)
	if err != nil {
		return nil, err
	}
	var env chainEnvelope
	if err := decodeBody(ct, data, &env, &env.Response); err != nil {
		return nil, &APIError{Kind: KindFatal, Op: "get option chain", Body: "parse: " + err.Error()}
	}

	retrieved := time.Now()
	if env.Response.TimeStamp > 0 {
		retrieved = time.Unix(env.Response.TimeStamp, 0)
	}
	chain := &OptionChain{
		Underlying:  symbol,
		Expiry:      expiry,
		RetrievedAt: retrieved,
	}
	for _, pair := range env.Response.OptionPair {
		if pair.Call != nil {
			chain.Calls = append(chain.Calls, pair.Call.toContract(symbol, expiry, models.KindCall))
		}
		if pair.Put != nil {
			chain.Puts = append(chain.Puts, pair.Put.toContract(symbol, expiry, models.KindPut))
		}
	}
	return chain, nil
}

func (p *optionPayload) toContract(underlying string, expiry time.Time, kind models.OptionKind) models.OptionContract {
	symbol := p.Symbol
	if symbol == "" {
		symbol = OCCSymbol(underlying, expiry, kind, p.StrikePrice)
	}
	return models.OptionContract{
		Symbol:       symbol,
		Underlying:   underlying,
		Strike:       p.StrikePrice,
		Expiry:       expiry,
		Kind:         kind,
		Bid:          p.Bid,
		Ask:          p.Ask,
		Last:         p.LastPrice,
		Volume:       p.Volume,
		OpenInterest: p.OpenInterest,
		Delta:        p.OptionGreeks.Delta,
		Gamma:        p.OptionGreeks.Gamma,
		Theta:        p.OptionGreeks.Theta,
		Vega:         p.OptionGreeks.Vega,
		IV:           p.OptionGreeks.IV,
	}
}

// --- order flow -------------------------------------------------------

type orderRequest struct {
	OrderType     string        `json:"orderType"`
	ClientOrderID string        `json:"clientOrderId"`
	Order         []orderDetail `json:"Order"`
}

type orderDetail struct {
	AllOrNone     bool             `json:"allOrNone"`
	PriceType     string           `json:"priceType"`
	OrderTerm     string           `json:"orderTerm"`
	MarketSession string           `json:"marketSession"`
	LimitPrice    float64          `json:"limitPrice,omitempty"`
	Instrument    []instrumentSpec `json:"Instrument"`
}

type instrumentSpec struct {
	Product      productSpec `json:"Product"`
	OrderAction  string      `json:"orderAction"`
	QuantityType string      `json:"quantityType"`
	Quantity     int         `json:"quantity"`
}

type productSpec struct {
	SecurityType string  `json:"securityType"`
	Symbol       string  `json:"symbol"`
	CallPut      string  `json:"callPut,omitempty"`
	ExpiryYear   int     `json:"expiryYear,omitempty"`
	ExpiryMonth  int     `json:"expiryMonth,omitempty"`
	ExpiryDay    int     `json:"expiryDay,omitempty"`
	StrikePrice  float64 `json:"strikePrice,omitempty"`
}

func buildOrderRequest(order *Order) orderRequest {
	detail := orderDetail{
		PriceType:     string(order.PriceType),
		OrderTerm:     orderTerm,
		MarketSession: "REGULAR",
		LimitPrice:    order.LimitPrice,
	}
	for _, leg := range order.Legs {
		inst := instrumentSpec{
			OrderAction:  string(leg.Action),
			QuantityType: "QUANTITY",
			Quantity:     leg.Quantity,
		}
		if leg.isOption() {
			callPut := "CALL"
			if leg.Kind == models.KindPut {
				callPut = "PUT"
			}
			inst.Product = productSpec{
				SecurityType: "OPTN",
				Symbol:       leg.Symbol,
				CallPut:      callPut,
				ExpiryYear:   leg.Expiry.Year(),
				ExpiryMonth:  int(leg.Expiry.Month()),
				ExpiryDay:    leg.Expiry.Day(),
				StrikePrice:  leg.Strike,
			}
		} else {
			inst.Product = productSpec{SecurityType: "EQ", Symbol: leg.Symbol}
		}
		detail.Instrument = append(detail.Instrument, inst)
	}
	return orderRequest{
		OrderType:     string(order.Type),
		ClientOrderID: order.ClientOrderID,
		Order:         []orderDetail{detail},
	}
}

type previewResponse struct {
	XMLName    xml.Name `json:"-" xml:"PreviewOrderResponse"`
	PreviewIDs []struct {
		PreviewID int64 `json:"previewId" xml:"previewId"`
	} `json:"PreviewIds" xml:"PreviewIds"`
	Order []struct {
		EstimatedCommission  float64 `json:"estimatedCommission" xml:"estimatedCommission"`
		EstimatedTotalAmount float64 `json:"estimatedTotalAmount" xml:"estimatedTotalAmount"`
	} `json:"Order" xml:"Order"`
}

type previewEnvelope struct {
	Response previewResponse `json:"PreviewOrderResponse"`
}

func (e *ETrade) PreviewOrder(ctx context.Context, order *Order) (*Preview, error) {
	if err := order.Validate(); err != nil {
		return nil, &APIError{Kind: KindInvalidRequest, Op: "preview order", Body: err.Error()}
	}
	key, err := e.accountKey(ctx)
	if err != nil {
		return nil, err
	}
	body := map[string]orderRequest{"PreviewOrderRequest": buildOrderRequest(order)}
	data, ct, err := e.call(ctx, "preview order", http.MethodPost, "/v1/accounts/"+key+"/orders/preview", nil, body)
	if err != nil {
		return nil, err
	}
	var env previewEnvelope
	if err := decodeBody(ct, data, &env, &env.Response); err != nil {
		return nil, &APIError{Kind: KindFatal, Op: "preview order", Body: "parse: " + err.Error()}
	}
	if len(env.Response.PreviewIDs) == 0 {
		return nil, &APIError{Kind: KindFatal, Op: "preview order", Body: "no preview id in response"}
	}
	preview := &Preview{PreviewID: env.Response.PreviewIDs[0].PreviewID}
	if len(env.Response.Order) > 0 {
		preview.EstimatedCommission = env.Response.Order[0].EstimatedCommission
		preview.EstimatedTotal = env.Response.Order[0].EstimatedTotalAmount
	}
	return preview, nil
}

type placeRequest struct {
	orderRequest
	PreviewIDs []previewIDRef `json:"PreviewIds"`
}

type previewIDRef struct {
	PreviewID int64 `json:"previewId"`
}

type placeResponse struct {
	XMLName  xml.Name `json:"-" xml:"PlaceOrderResponse"`
	OrderIDs []struct {
		OrderID int64 `json:"orderId" xml:"orderId"`
	} `json:"OrderIds" xml:"OrderIds"`
	PlacedTime int64 `json:"placedTime" xml:"placedTime"`
	Messages   struct {
		Message []struct {
			Description string `json:"description" xml:"description"`
		} `json:"Message" xml:"Message"`
	} `json:"Messages" xml:"Messages"`
}

type placeEnvelope struct {
	Response placeResponse `json:"PlaceOrderResponse"`
}

func (e *ETrade) PlaceOrder(ctx context.Context, order *Order, previewID int64) (*OrderAck, error) {
	if previewID <= 0 {
		return nil, &APIError{Kind: KindInvalidRequest, Op: "place order", Body: "preview id required"}
	}
	key, err := e.accountKey(ctx)
	if err != nil {
		return nil, err
	}
	body := map[string]placeRequest{"PlaceOrderRequest": {
		orderRequest: buildOrderRequest(order),
		PreviewIDs:   []previewIDRef{{PreviewID: previewID}},
	}}
	data, ct, err := e.call(ctx, "place order", http.MethodPost, "/v1/accounts/"+key+"/orders/place", nil, body)
	if err != nil {
		return nil, err
	}
	var env placeEnvelope
	if err := decodeBody(ct, data, &env, &env.Response); err != nil {
		return nil, &APIError{Kind: KindFatal, Op: "place order", Body: "parse: " + err.Error()}
	}
	if len(env.Response.OrderIDs) == 0 {
		return nil, &APIError{Kind: KindFatal, Op: "place order", Body: "no order id in response"}
	}
	ack := &OrderAck{
		OrderID: env.Response.OrderIDs[0].OrderID,
		State:   StateOpen,
	}
	if env.Response.PlacedTime > 0 {
		ack.PlacedAt = time.UnixMilli(env.Response.PlacedTime)
	}
	for _, m := range env.Response.Messages.Message {
		ack.Messages = append(ack.Messages, m.Description)
	}
	return ack, nil
}

type cancelRequest struct {
	OrderID int64 `json:"orderId"`
}

func (e *ETrade) CancelOrder(ctx context.Context, orderID int64) error {
	key, err := e.accountKey(ctx)
	if err != nil {
		return err
	}
	body := map[string]cancelRequest{"CancelOrderRequest": {OrderID: orderID}}
	_, _, err = e.call(ctx, "cancel order", http.MethodPut, "/v1/accounts/"+key+"/orders/cancel", nil, body)
	return err
}

type ordersResponse struct {
	XMLName xml.Name `json:"-" xml:"OrdersResponse"`
	Order   []struct {
		OrderID     int64 `json:"orderId" xml:"orderId"`
		OrderDetail []struct {
			Status       string  `json:"status" xml:"status"`
			PlacedTime   int64   `json:"placedTime" xml:"placedTime"`
			ExecutedTime int64   `json:"executedTime" xml:"executedTime"`
			OrderValue   float64 `json:"orderValue" xml:"orderValue"`
			Instrument   []struct {
				OrderedQuantity       float64 `json:"orderedQuantity" xml:"orderedQuantity"`
				FilledQuantity        float64 `json:"filledQuantity" xml:"filledQuantity"`
				AverageExecutionPrice float64 `json:"averageExecutionPrice" xml:"averageExecutionPrice"`
			} `json:"Instrument" xml:"Instrument"`
		} `json:"OrderDetail" xml:"OrderDetail"`
	} `json:"Order" xml:"Order"`
}

type ordersEnvelope struct {
	Response ordersResponse `json:"OrdersResponse"`
}

func (e *ETrade) GetOrderStatus(ctx context.Context, orderID int64) (*OrderStatus, error) {
	key, err := e.accountKey(ctx)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/v1/accounts/%s/orders/%d", key, orderID)
	data, ct, err := e.call(ctx, "get order status", http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var env ordersEnvelope
	if err := decodeBody(ct, data, &env, &env.Response); err != nil {
		return nil, &APIError{Kind: KindFatal, Op: "get order status", Body: "parse: " + err.Error()}
	}
	for _, o := range env.Response.Order {
		if o.OrderID != orderID || len(o.OrderDetail) == 0 {
			continue
		}
		detail := o.OrderDetail[0]
		status := &OrderStatus{
			OrderID:        orderID,
			State:          mapOrderState(detail.Status),
			RemainingValue: detail.OrderValue,
		}
		if detail.PlacedTime > 0 {
			status.PlacedAt = time.UnixMilli(detail.PlacedTime)
		}
		if detail.ExecutedTime > 0 {
			status.ExecutedAt = time.UnixMilli(detail.ExecutedTime)
		}
		for _, inst := range detail.Instrument {
			status.OrderedQty += int(inst.OrderedQuantity)
			status.FilledQty += int(inst.FilledQuantity)
			if inst.AverageExecutionPrice > 0 {
				status.AvgFillPrice = inst.AverageExecutionPrice
			}
		}
		return status, nil
	}
	return nil, &APIError{Kind: KindInvalidRequest, Status: 404, Op: "get order status",
		Body: fmt.Sprintf("order %d not found", orderID)}
}

func mapOrderState(raw string) OrderState {
	switch strings.ToUpper(raw) {
	case "EXECUTED", "DONE_TRADE_EXECUTED":
		return StateExecuted
	case "PARTIAL", "INDIVIDUAL_FILLS":
		return StatePartial
	case "CANCELLED":
		return StateCancelled
	case "REJECTED":
		return StateRejected
	case "EXPIRED":
		return StateExpired
	default:
		// OPEN and CANCEL_REQUESTED are both still working.
		return StateOpen
	}
}
