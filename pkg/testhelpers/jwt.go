// Package testhelpers provides containers and tokens for integration tests.
package testhelpers

import (
	"encoding/base64"
	"encoding/json"
)

// GenerateTestJWT creates an unsigned (alg: none) token, accepted when JWT
// verification is disabled.
func GenerateTestJWT(sub, projectID, subjectType string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	claims := map[string]string{"sub": sub}
	if projectID != "" {
		claims["pid"] = projectID
	}
	if subjectType != "" {
		claims["subject_type"] = subjectType
	}
	payload, _ := json.Marshal(claims)

	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}
