package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("fwdtype", validateForwarderType)
	return v
}

func validateForwarderType(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "local", "remote", "dynamic", "internal":
		return true
	default:
		return false
	}
}

// ConnectRequest is the body of POST /api/v1/sessions. Via, when set to
// an existing session's "{user}@{host}:{port}" identity, tunnels the new
// session's TCP leg through that session's transport.
type ConnectRequest struct {
	Host       string `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port       int    `json:"port" validate:"required,min=1,max=65535"`
	Username   string `json:"username" validate:"required"`
	Password   string `json:"password"`
	KeyPath    string `json:"key_path"`
	Passphrase string `json:"passphrase"`
	UseAgent   bool   `json:"use_agent"`
	KeepAlive  *bool  `json:"keep_alive"`
	Via        string `json:"via"`
}

// CreateForwarderRequest is the body of POST /api/v1/forwarders.
type CreateForwarderRequest struct {
	Type         string `json:"type" validate:"required,fwdtype"`
	Host         string `json:"host" validate:"required"`
	Port         int    `json:"port" validate:"required,min=1,max=65535"`
	Username     string `json:"username" validate:"required"`
	LocalHost    string `json:"local_host"`
	LocalPort    int    `json:"local_port"`
	RemoteHost   string `json:"remote_host"`
	RemotePort   int    `json:"remote_port"`
	BindHost     string `json:"bind_host"`
	BindPort     int    `json:"bind_port"`
	InternalHost string `json:"internal_host"`
	InternalPort int    `json:"internal_port"`
}

func formatValidationError(err error) []ErrorDetail {
	var details []ErrorDetail
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ErrorDetail{{Field: "", Message: err.Error()}}
	}
	for _, fe := range verrs {
		details = append(details, ErrorDetail{
			Field:   strings.ToLower(fe.Field()),
			Message: fmt.Sprintf("failed validation on %q", fe.Tag()),
		})
	}
	return details
}

// decodeAndValidate decodes r's JSON body into dst and runs struct-tag
// validation, returning false after writing an APIError on failure: 400
// for a malformed body, 422 for a validation failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, BadRequestError("malformed JSON body: "+err.Error()))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		respondError(w, ValidationError("request validation failed").WithDetails(formatValidationError(err)))
		return false
	}
	return true
}
