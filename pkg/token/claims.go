package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenIssuer is the iss claim stamped on every capability token.
const TokenIssuer = "anumate-captokens"

// CapabilityClaims is the JWT payload of a capability token.
// The audience is tenant-scoped ("tenant:<uuid>") so a token can never be
// replayed across tenants even if the tid claim were ignored.
type CapabilityClaims struct {
	jwt.RegisteredClaims
	Capabilities []string `json:"cap"`
	TenantID     string   `json:"tid"`
}

// NewClaims builds the claims for a fresh token.
func NewClaims(tokenID uuid.UUID, tenantID uuid.UUID, subject string, capabilities []string, issuedAt time.Time, ttl time.Duration) CapabilityClaims {
	return CapabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID.String(),
			Issuer:    TokenIssuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{TenantAudience(tenantID)},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
		Capabilities: capabilities,
		TenantID:     tenantID.String(),
	}
}

// TenantAudience formats the aud claim for a tenant.
func TenantAudience(tenantID uuid.UUID) string {
	return fmt.Sprintf("tenant:%s", tenantID)
}

// PayloadMap flattens claims into the wire payload shape returned by verify.
func (c *CapabilityClaims) PayloadMap() map[string]any {
	payload := map[string]any{
		"jti": c.ID,
		"iss": c.Issuer,
		"sub": c.Subject,
		"cap": c.Capabilities,
		"tid": c.TenantID,
	}
	if len(c.Audience) > 0 {
		payload["aud"] = c.Audience[0]
	}
	if c.IssuedAt != nil {
		payload["iat"] = c.IssuedAt.Unix()
	}
	if c.ExpiresAt != nil {
		payload["exp"] = c.ExpiresAt.Unix()
	}
	return payload
}
