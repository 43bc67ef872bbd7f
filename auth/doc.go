// Package auth signs and verifies webhook event deliveries.
//
// Each delivery carries an HS256 JWT in its Authorization header. The token
// names the run (subject) and event type and holds the SHA-256 of the body,
// so a receiver sharing the secret can check both origin and integrity:
//
//	cfg := auth.SignerConfig{Secret: secret}
//	claims, err := auth.VerifyEvent(cfg, bearerToken, body)
//	if err != nil {
//	    http.Error(w, "unauthorized", http.StatusUnauthorized)
//	    return
//	}
//	log.Printf("run %s: %s", claims.Subject, claims.EventType)
package auth
