package capture

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

const (
	maxBodyBytes = 4 << 20
	maxPushItems = 500
)

// DecodeRequest strictly decodes a single capture. Unknown fields are
// rejected so schema drift in a capture tool surfaces as a 400.
func DecodeRequest(r io.Reader) (Request, error) {
	var req Request
	if err := decodeStrict(r, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

func DecodePush(r io.Reader) (PushRequest, error) {
	var req PushRequest
	if err := decodeStrict(r, &req); err != nil {
		return PushRequest{}, err
	}
	if len(req.Items) > maxPushItems {
		return PushRequest{}, fmt.Errorf("%w: %d items, at most %d per push", ErrTooManyItems, len(req.Items), maxPushItems)
	}
	return req, nil
}

func decodeStrict(r io.Reader, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(r, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBody, err)
	}
	return nil
}
