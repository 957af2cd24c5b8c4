package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/complykit/complykit/internal/payment/domain"
)

// SignatureHeader is the header carrying the provider signature.
const SignatureHeader = "Stripe-Signature"

// VerifySignature checks the Stripe-Signature header against the shared
// webhook secret. The header carries a timestamp and one or more v1
// HMAC-SHA256 signatures over "<timestamp>.<payload>".
func VerifySignature(payload []byte, sigHeader, secret string) error {
	sigHeader = strings.TrimSpace(sigHeader)
	if sigHeader == "" || strings.TrimSpace(secret) == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

// CheckoutEvent is a verified checkout.session.completed delivery.
type CheckoutEvent struct {
	EventID           string
	EventType         string
	CheckoutSessionID string
	UserID            string
	Email             string
	PackCode          string
	Credits           int64
}

// ParseCheckoutEvent extracts the grant target from a completed checkout
// event. Event types other than checkout completion return ErrEventIgnored.
func ParseCheckoutEvent(payload []byte) (*CheckoutEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.Type) != "checkout.session.completed" {
		return nil, domain.ErrEventIgnored
	}

	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	credits, err := parseCredits(readMetadata(session.Metadata, "credits"))
	if err != nil {
		return nil, domain.ErrInvalidPayload
	}

	return &CheckoutEvent{
		EventID:           event.ID,
		EventType:         event.Type,
		CheckoutSessionID: session.ID,
		UserID:            readMetadata(session.Metadata, "user_id"),
		Email:             readMetadata(session.Metadata, "email"),
		PackCode:          readMetadata(session.Metadata, "pack_code"),
		Credits:           credits,
	}, nil
}

type stripeEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata"`
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func parseCredits(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func readMetadata(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}
