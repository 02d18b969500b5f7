package httpmw

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/iplimit/internal/log"
	"github.com/keithlinneman/iplimit/internal/xerrors"
)

// Recover converts handler panics into a JSON 500 and logs them with the
// stack. http.ErrAbortHandler is re-raised so net/http can abort the
// connection as intended. onPanic may be nil.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	L = log.OrNop(L)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.Wrap(v, "panic")
				default:
					err = xerrors.Newf("panic: %v", fmt.Sprint(v))
				}

				if onPanic != nil {
					onPanic()
				}

				L.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
				).Error(r.Context(), err, "httpserver panic recovered", "stack", string(debug.Stack()))

				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
