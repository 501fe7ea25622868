package middleware

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
)

// Recovery middleware recovers from panics
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC: %v\n%s", err, debug.Stack())

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)

				response := map[string]string{
					"error": "Internal server error",
				}
				if encodingErr := json.NewEncoder(w).Encode(response); encodingErr != nil {
					log.Printf("Error encoding panic response: %v", encodingErr)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
