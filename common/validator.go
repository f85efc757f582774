package common

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

const maxBodyBytes = 1 << 20

// ValidateAndDecode decodes the JSON body into payload and runs struct
// validation. On failure it returns a 400 AppError describing the problem.
func ValidateAndDecode(w http.ResponseWriter, r *http.Request, payload interface{}) *AppError {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		return BadRequest("Invalid request body")
	}

	if err := validate.Struct(payload); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return BadRequest(validationErrors.Error())
		}
		return BadRequest("Invalid request body")
	}

	return nil
}
