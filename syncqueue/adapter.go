package syncqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Delivery is what an adapter learned from the external system.
type Delivery struct {
	ExternalID string
	Snapshot   json.RawMessage
}

// Adapter pushes one item to an external CRM. Implementations receive the
// mapped external id in it.ExternalID for update and delete.
type Adapter interface {
	Deliver(ctx context.Context, in Integration, it Item) (Delivery, error)
}

type AdapterFunc func(ctx context.Context, in Integration, it Item) (Delivery, error)

func (f AdapterFunc) Deliver(ctx context.Context, in Integration, it Item) (Delivery, error) {
	return f(ctx, in, it)
}

// DeliveryError describes a failed delivery. Permanent failures are not
// retried.
type DeliveryError struct {
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("syncqueue: delivery failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("syncqueue: delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Permanent: true, Err: err}
}

func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

const maxResponseBody = 1 << 20

// HTTPAdapter talks to a generic JSON REST CRM:
//
//	create  POST   {endpoint}/{entityType}
//	update  PUT    {endpoint}/{entityType}/{externalId}
//	delete  DELETE {endpoint}/{entityType}/{externalId}
//
// A created record's id is read from the "id" field of the response body.
type HTTPAdapter struct {
	client *http.Client
	getenv func(string) string
}

func NewHTTPAdapter(client *http.Client) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAdapter{client: client, getenv: os.Getenv}
}

type createdRecord struct {
	ID json.RawMessage `json:"id"`
}

func (a *HTTPAdapter) Deliver(ctx context.Context, in Integration, it Item) (Delivery, error) {
	if in.Endpoint == "" {
		return Delivery{}, Permanent(fmt.Errorf("integration %s has no endpoint", in.ID))
	}

	method, target, err := a.route(in, it)
	if err != nil {
		return Delivery{}, Permanent(err)
	}

	var body io.Reader
	if it.Operation != OpDelete {
		body = bytes.NewReader(it.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Delivery{}, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	idemKey := it.DedupeKey
	if idemKey == "" {
		idemKey = it.ID
	}
	req.Header.Set("Idempotency-Key", idemKey)
	if in.TokenEnv != "" {
		if token := a.getenv(in.TokenEnv); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Delivery{}, &DeliveryError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Delivery{}, &DeliveryError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if it.Operation == OpDelete && resp.StatusCode == http.StatusNotFound {
		return Delivery{ExternalID: it.ExternalID}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Delivery{}, &DeliveryError{
			StatusCode: resp.StatusCode,
			Permanent:  permanentStatus(resp.StatusCode),
			Err:        errors.New(strings.TrimSpace(string(raw))),
		}
	}

	out := Delivery{ExternalID: it.ExternalID}
	if len(bytes.TrimSpace(raw)) > 0 && sonic.Valid(raw) {
		out.Snapshot = json.RawMessage(raw)
	}
	if it.Operation == OpCreate {
		id, err := externalID(raw)
		if err != nil {
			return Delivery{}, Permanent(err)
		}
		out.ExternalID = id
	}
	return out, nil
}

func (a *HTTPAdapter) route(in Integration, it Item) (string, string, error) {
	base := strings.TrimRight(in.Endpoint, "/") + "/" + url.PathEscape(it.EntityType)
	switch it.Operation {
	case OpCreate:
		return http.MethodPost, base, nil
	case OpUpdate, OpDelete:
		if it.ExternalID == "" {
			return "", "", fmt.Errorf("%s of %s/%s has no external id", it.Operation, it.EntityType, it.EntityID)
		}
		method := http.MethodPut
		if it.Operation == OpDelete {
			method = http.MethodDelete
		}
		return method, base + "/" + url.PathEscape(it.ExternalID), nil
	}
	return "", "", fmt.Errorf("unknown operation %q", it.Operation)
}

func externalID(raw []byte) (string, error) {
	var rec createdRecord
	if err := sonic.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("decode created record: %w", err)
	}
	var s string
	if err := sonic.Unmarshal(rec.ID, &s); err == nil && s != "" {
		return s, nil
	}
	var n json.Number
	if err := sonic.Unmarshal(rec.ID, &n); err == nil && n != "" {
		return n.String(), nil
	}
	return "", errors.New("created record has no id")
}

func permanentStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}
