package api

import (
	"errors"
	"io"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

const maxRequestBytes = 1 << 20

var errEmptyBody = errors.New("empty body")

// sonicSerializer renders responses with sonic and decodes requests
// strictly: unknown fields are an error.
type sonicSerializer struct{}

func (sonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (sonicSerializer) Deserialize(c echo.Context, i any) error {
	if c.Request().ContentLength == 0 {
		return errEmptyBody
	}
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(i); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// decode reads a required JSON body into v.
func decode(c echo.Context, v any) error {
	if err := c.Echo().JSONSerializer.Deserialize(c, v); err != nil {
		return badRequest("invalid body: %v", err)
	}
	return nil
}

// decodeOptional is decode for endpoints whose body may be omitted.
func decodeOptional(c echo.Context, v any) error {
	err := c.Echo().JSONSerializer.Deserialize(c, v)
	if err == nil || errors.Is(err, errEmptyBody) {
		return nil
	}
	return badRequest("invalid body: %v", err)
}
