package auth

import "net/http"

// Middleware enforces bearer auth on REST routes. In dev mode every
// request passes through.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.VerifyBearer(r.Header.Get("Authorization")); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication rejected"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
