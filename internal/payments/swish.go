package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SwishGateway collects the full amount up front through a Swish payment
// request. The platform holds the funds itself, so a capture only has to
// return whatever is not kept, and refunds go through the refunds API.
type SwishGateway struct {
	Endpoint   string // e.g. https://cpc.getswish.net/swish-cpcapi
	PayeeAlias string
	Client     *http.Client
}

func NewSwishGateway(endpoint, payeeAlias string, client *http.Client) *SwishGateway {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &SwishGateway{Endpoint: strings.TrimRight(endpoint, "/"), PayeeAlias: payeeAlias, Client: client}
}

type swishPaymentRequest struct {
	PayeePaymentReference string `json:"payeePaymentReference"`
	PayeeAlias            string `json:"payeeAlias"`
	Amount                string `json:"amount"`
	Currency              string `json:"currency"`
	Message               string `json:"message,omitempty"`
}

type swishRefund struct {
	OriginalPaymentReference string `json:"originalPaymentReference"`
	PayerPaymentReference    string `json:"payerPaymentReference,omitempty"`
	PayerAlias               string `json:"payerAlias"`
	Amount                   string `json:"amount"`
	Currency                 string `json:"currency"`
}

func (s *SwishGateway) Hold(ctx context.Context, req HoldRequest) (string, error) {
	id := instructionID()
	body := swishPaymentRequest{
		PayeePaymentReference: req.PaymentID,
		PayeeAlias:            s.PayeeAlias,
		Amount:                formatAmount(req.Total),
		Currency:              strings.ToUpper(req.Currency),
		Message:               "Car relocation " + req.RequestID,
	}
	if err := s.put(ctx, "/api/v2/paymentrequests/"+id, body); err != nil {
		return "", err
	}
	return id, nil
}

// Capture refunds the part of the collected amount the platform does not
// keep.
func (s *SwishGateway) Capture(ctx context.Context, c Charge) error {
	if rest := c.Held - c.Amount; rest > 0 {
		return s.Refund(ctx, Charge{PaymentID: c.PaymentID, Ref: c.Ref, Amount: rest, Currency: c.Currency})
	}
	return nil
}

func (s *SwishGateway) Refund(ctx context.Context, c Charge) error {
	body := swishRefund{
		OriginalPaymentReference: c.Ref,
		PayerPaymentReference:    c.PaymentID,
		PayerAlias:               s.PayeeAlias,
		Amount:                   formatAmount(c.Amount),
		Currency:                 strings.ToUpper(c.Currency),
	}
	return s.put(ctx, "/api/v2/refunds/"+instructionID(), body)
}

func (s *SwishGateway) put(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.Endpoint+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("swish %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

// instructionID is the 32 character upper-case hex id Swish expects.
func instructionID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func formatAmount(v int64) string { return fmt.Sprintf("%d.00", v) }
