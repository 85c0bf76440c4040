package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testConfig() *JWTConfig {
	return &JWTConfig{
		Secret:   []byte("testsecret"),
		Issuer:   "test",
		Audience: "signal",
		TTL:      time.Minute,
	}
}

func TestGenerateAndValidate(t *testing.T) {
	cfg := testConfig()

	token, err := GenerateToken(cfg, "alice", RoleHost)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ValidateToken(cfg, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "alice" || !claims.CanListen() {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	peer, _ := GenerateToken(cfg, "bob", RolePeer)
	claims, err = ValidateToken(cfg, peer)
	if err != nil {
		t.Fatalf("validate peer: %v", err)
	}
	if claims.CanListen() {
		t.Fatalf("peer token must not allow listening")
	}
}

func TestValidateRejects(t *testing.T) {
	cfg := testConfig()

	sign := func(claims jwt.Claims, secret string) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	exp := jwt.NewNumericDate(time.Now().Add(time.Minute))

	cases := map[string]string{
		"garbage":        "not-a-token",
		"wrong secret":   sign(Claims{Role: RoleHost, RegisteredClaims: jwt.RegisteredClaims{Issuer: "test", Audience: jwt.ClaimStrings{"signal"}, ExpiresAt: exp}}, "other"),
		"wrong issuer":   sign(Claims{Role: RoleHost, RegisteredClaims: jwt.RegisteredClaims{Issuer: "evil", Audience: jwt.ClaimStrings{"signal"}, ExpiresAt: exp}}, "testsecret"),
		"wrong audience": sign(Claims{Role: RoleHost, RegisteredClaims: jwt.RegisteredClaims{Issuer: "test", Audience: jwt.ClaimStrings{"other"}, ExpiresAt: exp}}, "testsecret"),
		"expired": sign(Claims{Role: RoleHost, RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "test", Audience: jwt.ClaimStrings{"signal"}, ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}, "testsecret"),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ValidateToken(cfg, token); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestGenerateUnknownRole(t *testing.T) {
	if _, err := GenerateToken(testConfig(), "x", "admin"); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestEnabled(t *testing.T) {
	var nilCfg *JWTConfig
	if nilCfg.Enabled() || (&JWTConfig{}).Enabled() {
		t.Fatalf("empty config must be disabled")
	}
	if !testConfig().Enabled() {
		t.Fatalf("config with secret must be enabled")
	}
}
