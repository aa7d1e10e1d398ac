package mint

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockWallet implements Wallet for testing and development. Tokens are
// "cashuA" + base64 JSON carrying an amount and a random secret, so
// they round-trip through the vault and value accounting like real
// ones.
type MockWallet struct {
	mu         sync.Mutex
	spent      map[string]bool       // secrets already redeemed
	mintQuotes map[string]*mockQuote // quoteID -> state
	meltQuotes map[string]*MeltQuote
	meltStates map[string]QuoteState

	// FeePercent is the simulated Lightning fee in percent, rounded
	// up, minimum 1 sat. Defaults to 1.
	FeePercent int64

	// SwapBeforeMelt models wallets that swap the supplied tokens into
	// their own balance before paying, so the caller's copies are spent
	// even when the payment fails. A definitive failure then carries a
	// RefundToken for the full value.
	SwapBeforeMelt bool

	// Failure injection for tests.
	ReceiveErr   error
	MintErr      error
	MeltErr      error
	MeltEndState QuoteState // state Melt reports, default QuotePaid
}

type mockQuote struct {
	amount int64
	state  QuoteState
}

type mockTokenBody struct {
	Amount int64  `json:"amount"`
	Secret string `json:"secret"`
}

// NewMockWallet creates a mock mint wallet.
func NewMockWallet() *MockWallet {
	return &MockWallet{
		spent:      make(map[string]bool),
		mintQuotes: make(map[string]*mockQuote),
		meltQuotes: make(map[string]*MeltQuote),
		meltStates: make(map[string]QuoteState),
		FeePercent: 1,
	}
}

// NewToken fabricates a token worth amountSats. Exposed for tests.
func (m *MockWallet) NewToken(amountSats int64) string {
	secret, _ := randomHex(16)
	body, _ := json.Marshal(mockTokenBody{Amount: amountSats, Secret: secret})
	return "cashuA" + base64.RawURLEncoding.EncodeToString(body)
}

func decodeMockToken(token string) (*mockTokenBody, error) {
	if !strings.HasPrefix(token, "cashuA") {
		return nil, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, "cashuA"))
	if err != nil {
		return nil, ErrInvalidToken
	}
	var body mockTokenBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, ErrInvalidToken
	}
	return &body, nil
}

func (m *MockWallet) TokenValue(token string) (int64, error) {
	body, err := decodeMockToken(token)
	if err != nil {
		return 0, err
	}
	return body.Amount, nil
}

func (m *MockWallet) Receive(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ReceiveErr != nil {
		return "", m.ReceiveErr
	}

	body, err := decodeMockToken(token)
	if err != nil {
		return "", err
	}
	if m.spent[body.Secret] {
		return "", fmt.Errorf("token already spent")
	}
	m.spent[body.Secret] = true

	return m.NewToken(body.Amount), nil
}

func (m *MockWallet) RequestMintQuote(ctx context.Context, amountSats int64) (*MintQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	m.mintQuotes[id] = &mockQuote{amount: amountSats, state: QuoteUnpaid}

	return &MintQuote{
		QuoteID:   id,
		Invoice:   "lnbc" + id[:12],
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}, nil
}

// SimulateInvoicePaid marks a mint quote's invoice as paid.
func (m *MockWallet) SimulateInvoicePaid(quoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.mintQuotes[quoteID]; ok {
		q.state = QuotePaid
	}
}

func (m *MockWallet) MintQuoteState(ctx context.Context, quoteID string) (QuoteState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.mintQuotes[quoteID]
	if !ok {
		return "", ErrQuoteNotFound
	}
	return q.state, nil
}

func (m *MockWallet) Mint(ctx context.Context, quoteID string, amountSats int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MintErr != nil {
		return "", m.MintErr
	}

	q, ok := m.mintQuotes[quoteID]
	if !ok {
		return "", ErrQuoteNotFound
	}
	if q.state != QuotePaid {
		return "", fmt.Errorf("mint quote %s is %s, not PAID", quoteID, q.state)
	}
	q.state = QuoteIssued

	return m.NewToken(amountSats), nil
}

func (m *MockWallet) RequestMeltQuote(ctx context.Context, invoice string) (*MeltQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	amount := amountFromMockInvoice(invoice)
	fee := amount * m.FeePercent / 100
	if fee < 1 {
		fee = 1
	}

	id, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	quote := &MeltQuote{QuoteID: id, AmountSats: amount, FeeSats: fee}
	m.meltQuotes[id] = quote
	m.meltStates[id] = QuoteUnpaid

	return quote, nil
}

func (m *MockWallet) Melt(ctx context.Context, quoteID string, tokens []string) (*MeltResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MeltErr != nil {
		return nil, m.MeltErr
	}

	quote, ok := m.meltQuotes[quoteID]
	if !ok {
		return nil, ErrQuoteNotFound
	}

	var total int64
	for _, t := range tokens {
		body, err := decodeMockToken(t)
		if err != nil {
			return nil, err
		}
		if m.spent[body.Secret] {
			return nil, fmt.Errorf("token already spent")
		}
		total += body.Amount
	}
	if total < quote.AmountSats+quote.FeeSats {
		return nil, fmt.Errorf("insufficient proofs: %d < %d", total, quote.AmountSats+quote.FeeSats)
	}

	endState := m.MeltEndState
	if endState == "" {
		endState = QuotePaid
	}
	m.meltStates[quoteID] = endState

	if m.SwapBeforeMelt {
		for _, t := range tokens {
			body, _ := decodeMockToken(t)
			m.spent[body.Secret] = true
		}
	}

	if endState != QuotePaid {
		result := &MeltResult{State: endState}
		if m.SwapBeforeMelt && endState != QuotePending {
			result.RefundToken = m.NewToken(total)
		}
		return result, nil
	}

	if !m.SwapBeforeMelt {
		// Proofs are consumed only on a successful payment.
		for _, t := range tokens {
			body, _ := decodeMockToken(t)
			m.spent[body.Secret] = true
		}
	}

	result := &MeltResult{State: QuotePaid, FeeSats: quote.FeeSats}
	if preimage, err := randomHex(32); err == nil {
		result.Preimage = preimage
	}
	if change := total - quote.AmountSats - quote.FeeSats; change > 0 {
		result.ChangeToken = m.NewToken(change)
	}
	return result, nil
}

func (m *MockWallet) MeltQuoteState(ctx context.Context, quoteID string) (QuoteState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.meltStates[quoteID]
	if !ok {
		return "", ErrQuoteNotFound
	}
	return state, nil
}

// SetMeltQuoteState overrides a melt quote's state. Exposed for
// recovery tests.
func (m *MockWallet) SetMeltQuoteState(quoteID string, state QuoteState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meltStates[quoteID] = state
}

// RegisterMeltQuote records a quote id with a state without going
// through RequestMeltQuote. Exposed for recovery tests.
func (m *MockWallet) RegisterMeltQuote(quoteID string, state QuoteState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meltQuotes[quoteID] = &MeltQuote{QuoteID: quoteID}
	m.meltStates[quoteID] = state
}

// amountFromMockInvoice pulls the amount out of invoices produced by
// the mock LNURL resolver ("lnmock<amount>-..."), defaulting to 0.
func amountFromMockInvoice(invoice string) int64 {
	var amount int64
	if _, err := fmt.Sscanf(invoice, "lnmock%d-", &amount); err == nil {
		return amount
	}
	fmt.Sscanf(invoice, "lnbc%d", &amount)
	return amount
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var _ Wallet = (*MockWallet)(nil)
