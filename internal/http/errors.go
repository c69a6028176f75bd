package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/car-relocation/internal/models"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var statusByCode = map[string]int{
	"invalid_input":       http.StatusBadRequest,
	"not_found":           http.StatusNotFound,
	"invalid_transition":  http.StatusConflict,
	"already_accepted":    http.StatusConflict,
	"already_captured":    http.StatusConflict,
	"already_reviewed":    http.StatusConflict,
	"invalid_state":       http.StatusConflict,
	"not_accepted":        http.StatusPreconditionFailed,
	"not_completed":       http.StatusPreconditionFailed,
	"not_started":         http.StatusPreconditionFailed,
	"out_of_order_sample": http.StatusUnprocessableEntity,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := models.Code(err)
	status, ok := statusByCode[code]
	msg := err.Error()
	if !ok {
		status = http.StatusInternalServerError
		msg = "internal error"
		loggerFrom(r.Context(), s.logger).Error("request failed", "route", routeTemplate(r), "error", err)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

// decode reads a JSON body into dst and validates its tags.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed body: %v", models.ErrInvalidInput, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Param() != "" {
				return fmt.Errorf("%w: %s failed %s=%s", models.ErrInvalidInput, fe.Field(), fe.Tag(), fe.Param())
			}
			return fmt.Errorf("%w: %s failed %s", models.ErrInvalidInput, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	// report json names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
