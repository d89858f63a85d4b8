package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jameslbray/chatrelay/common"
	"github.com/jameslbray/chatrelay/resilience"
)

// ErrorDetail in case of REST error, the response
type ErrorDetail struct {
	Code int     `json:"code"`
	Msg  *string `json:"message,omitempty"`
}

// StandardResponse standard REST API response
type StandardResponse struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// getStdRESTErrorMsg define a standard error message
func getStdRESTErrorMsg(code int, message *string) StandardResponse {
	return StandardResponse{
		Success: false, Error: &ErrorDetail{Code: code, Msg: message},
	}
}

// writeRESTResponse write a REST response
func writeRESTResponse(w http.ResponseWriter, respCode int, resp interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(respCode)
	t, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err = w.Write(t); err != nil {
		return err
	}
	return nil
}

// ========================================================================================

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// APIRestHandler base REST handler
type APIRestHandler struct {
	common.Component
	requestIDHeader string
}

// reply helper function for writing responses
func (h APIRestHandler) reply(
	w http.ResponseWriter, respCode int, resp interface{}, restCall string,
) {
	if err := writeRESTResponse(w, respCode, &resp); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Failed to write REST response for %s", restCall,
		)
	}
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// attachRequestID middleware function to attach a request ID to a API request
func (h APIRestHandler) attachRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(h.requestIDHeader)
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		log.WithFields(h.LogTags).Debugf("New request ID %s", reqID)
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(),
			},
		)

		next(rw, r.WithContext(ctx))
	}
}

// requestLogTags derive per-request log tags from the request context
func (h APIRestHandler) requestLogTags(r *http.Request) log.Fields {
	tags := log.Fields{}
	for k, v := range h.LogTags {
		tags[k] = v
	}
	if params, ok := r.Context().Value(common.RequestParam{}).(common.RequestParam); ok {
		params.UpdateLogTags(tags)
	}
	return tags
}

// ========================================================================================

// APIRestHealthHandler REST handler exposing system health
type APIRestHealthHandler struct {
	APIRestHandler
	breakers resilience.BreakerRegistry
}

// GetAPIRestHealthHandler define APIRestHealthHandler
func GetAPIRestHealthHandler(
	breakers resilience.BreakerRegistry, requestIDHeader string,
) (APIRestHealthHandler, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "health-api",
	}
	return APIRestHealthHandler{
		APIRestHandler: APIRestHandler{
			Component: common.Component{LogTags: logTags}, requestIDHeader: requestIDHeader,
		},
		breakers: breakers,
	}, nil
}

// Alive checks whether the server is visible
func (h APIRestHealthHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.requestLogTags(r)
	if err := writeRESTResponse(w, http.StatusOK, StandardResponse{Success: true}); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler wrapper around Alive
func (h APIRestHealthHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// Ready checks whether the service dependencies are usable. Reports 503 with
// the full breaker report when any dependency circuit is open
func (h APIRestHealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.requestLogTags(r)
	report := h.breakers.HealthCheck()
	respCode := http.StatusOK
	if report.Status == resilience.StatusDegraded {
		respCode = http.StatusServiceUnavailable
		log.WithFields(localLogTags).Warn("Reporting degraded state")
	}
	if err := writeRESTResponse(w, respCode, &report); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ReadyHandler wrapper around Ready
func (h APIRestHealthHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
