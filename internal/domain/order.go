package domain

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

// OrderState is the derived lifecycle state of an order.
type OrderState string

const (
	StateOpen            OrderState = "OPEN"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCancelled       OrderState = "CANCELLED"
	StateExpired         OrderState = "EXPIRED"
	StateInvalid         OrderState = "INVALID"
)

// IsTerminal reports whether no further transition may leave s.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateExpired, StateInvalid:
		return true
	}
	return false
}

// IsValid reports whether s is one of the known states.
func (s OrderState) IsValid() bool {
	switch s {
	case StateOpen, StatePartiallyFilled, StateFilled, StateCancelled, StateExpired, StateInvalid:
		return true
	}
	return false
}

// CanTransition reports whether to is reachable from s in one step.
//
//	OPEN -> PARTIALLY_FILLED -> FILLED
//	OPEN|PARTIALLY_FILLED -> CANCELLED|EXPIRED|INVALID
func (s OrderState) CanTransition(to OrderState) bool {
	if s.IsTerminal() || !to.IsValid() {
		return false
	}
	return to != StateOpen
}

// ActiveStates returns the non-terminal states.
func ActiveStates() []OrderState {
	return []OrderState{StateOpen, StatePartiallyFilled}
}

// Hash is the 0x-prefixed hex Keccak-256 digest of an order's signed terms.
type Hash string

// Bytes decodes the hex digest. Returns nil for a malformed hash.
func (h Hash) Bytes() []byte {
	b, err := hex.DecodeString(strings.TrimPrefix(string(h), "0x"))
	if err != nil {
		return nil
	}
	return b
}

func (h Hash) String() string { return string(h) }

// TokenPair identifies the market an order trades in.
type TokenPair struct {
	Base  string
	Quote string
}

// ParseTokenPair parses "BASE/QUOTE".
func ParseTokenPair(s string) (TokenPair, error) {
	base, quote, ok := strings.Cut(s, "/")
	p := TokenPair{Base: strings.TrimSpace(base), Quote: strings.TrimSpace(quote)}
	if !ok || !p.IsValid() {
		return TokenPair{}, fmt.Errorf("invalid token pair %q", s)
	}
	return p, nil
}

// IsValid reports whether both legs are set and distinct.
func (p TokenPair) IsValid() bool {
	return p.Base != "" && p.Quote != "" && p.Base != p.Quote && !strings.Contains(p.Base+p.Quote, "/")
}

func (p TokenPair) String() string { return p.Base + "/" + p.Quote }

// MarshalText encodes the pair as "BASE/QUOTE" and the zero pair as "".
func (p TokenPair) MarshalText() ([]byte, error) {
	if p == (TokenPair{}) {
		return []byte{}, nil
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes "BASE/QUOTE". An empty string yields the zero pair.
func (p *TokenPair) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*p = TokenPair{}
		return nil
	}
	parsed, err := ParseTokenPair(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Order is a signed exchange intent plus the state derived from chain events.
// Signed terms are immutable; Remaining, State and LastEventRef are mutated
// only through the store's conditional update.
type Order struct {
	Hash        Hash            `json:"hash"`
	Maker       string          `json:"maker"`
	Taker       string          `json:"taker,omitempty"`
	Pair        TokenPair       `json:"pair"`
	MakerAmount decimal.Decimal `json:"makerAmount"`
	TakerAmount decimal.Decimal `json:"takerAmount"`
	Expiration  time.Time       `json:"expiration"`
	Salt        string          `json:"salt"`
	Signature   string          `json:"signature"`

	Remaining    decimal.Decimal `json:"remainingFillableAmount"`
	State        OrderState      `json:"state"`
	LastEventRef string          `json:"lastEventRef,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`

	// InitialRemaining is Remaining at intake; reorg replay starts from it.
	InitialRemaining decimal.Decimal `json:"-"`
}

// ComputeHash derives the content hash from the signed terms only.
func (o *Order) ComputeHash() Hash {
	h := sha3.NewLegacyKeccak256()
	for _, field := range []string{
		o.Maker,
		o.Taker,
		o.Pair.Base,
		o.Pair.Quote,
		o.MakerAmount.String(),
		o.TakerAmount.String(),
		strconv.FormatInt(o.Expiration.Unix(), 10),
		o.Salt,
	} {
		writeField(h, field)
	}
	return Hash("0x" + hex.EncodeToString(h.Sum(nil)))
}

// length-prefixed so that adjacent fields cannot collide
func writeField(h hash.Hash, s string) {
	h.Write([]byte(strconv.Itoa(len(s))))
	h.Write([]byte{':'})
	h.Write([]byte(s))
}

// Sign fills Maker, Hash and Signature using an ed25519 maker key.
func (o *Order) Sign(key ed25519.PrivateKey) {
	o.Maker = hex.EncodeToString(key.Public().(ed25519.PublicKey))
	o.Hash = o.ComputeHash()
	o.Signature = hex.EncodeToString(ed25519.Sign(key, o.Hash.Bytes()))
}

// IsOpen checks if the order is still active.
func (o *Order) IsOpen() bool {
	return !o.State.IsTerminal()
}

// IsExpired reports whether the expiration has passed at now.
func (o *Order) IsExpired(now time.Time) bool {
	return !o.Expiration.After(now)
}

// Initialize sets the mutable fields of a freshly accepted order.
func (o *Order) Initialize(now time.Time) {
	if o.State == "" {
		o.State = StateOpen
	}
	if o.State == StateOpen && o.Remaining.IsZero() {
		o.Remaining = o.MakerAmount
	}
	if o.InitialRemaining.IsZero() {
		o.InitialRemaining = o.Remaining
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}
}

// SignatureVerifier checks the maker signature of an order.
type SignatureVerifier interface {
	Verify(o *Order) error
}

// Ed25519Verifier treats Maker as a hex ed25519 public key and Signature as
// the hex signature over the hash bytes.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(o *Order) error {
	pub, err := hex.DecodeString(o.Maker)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("maker is not an ed25519 public key")
	}
	sig, err := hex.DecodeString(o.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("malformed signature")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), o.Hash.Bytes(), sig) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Validate performs static validation of an order at now.
// Returns *InvalidOrderError on the first failed check.
func (o *Order) Validate(now time.Time, verifier SignatureVerifier) error {
	invalid := func(reason string) error {
		return &InvalidOrderError{Hash: o.Hash, Reason: reason}
	}

	if o.Maker == "" {
		return invalid("missing maker")
	}
	if !o.Pair.IsValid() {
		return invalid("invalid token pair")
	}
	if !o.MakerAmount.IsPositive() || !o.TakerAmount.IsPositive() {
		return invalid("amounts must be positive")
	}
	if o.Expiration.IsZero() {
		return invalid("missing expiration")
	}
	if o.IsExpired(now) {
		return invalid("order already expired")
	}
	if o.State != "" && o.State.IsTerminal() {
		return invalid("order is in terminal state " + string(o.State))
	}
	if o.Remaining.IsNegative() || o.Remaining.GreaterThan(o.MakerAmount) {
		return invalid("remaining amount out of range")
	}
	if computed := o.ComputeHash(); o.Hash != computed {
		return invalid("hash does not match signed terms")
	}
	if verifier != nil {
		if err := verifier.Verify(o); err != nil {
			return invalid(err.Error())
		}
	}
	return nil
}
