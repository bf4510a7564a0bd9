package api

import (
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeServerError(c *echo.Context, msg string) error {
	return writeError(c, http.StatusInternalServerError, "server_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// flattenPoints turns an array of points into one point-major slice,
// checking every point against dim.
func flattenPoints(points [][]float64, dim int, what string) ([]float64, error) {
	flat := make([]float64, 0, len(points)*dim)
	for i, p := range points {
		if len(p) != dim {
			return nil, fmt.Errorf("%s[%d] has %d coordinates, want %d", what, i, len(p), dim)
		}
		flat = append(flat, p...)
	}
	return flat, nil
}

func unflattenPoints(flat []float64, dim int) [][]float64 {
	points := make([][]float64, 0, len(flat)/dim)
	for i := 0; i+dim <= len(flat); i += dim {
		points = append(points, append([]float64(nil), flat[i:i+dim]...))
	}
	return points
}
