package server

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"escrowd/faults"
)

type revealRequest struct {
	Token string `json:"token"`
}

// handleRevealData hands out a hot wallet's encrypted mnemonic. On top of the
// admin permission it demands a short-lived token signed with the reveal
// secret, so a leaked admin key alone cannot drain wallet material.
func (s *Server) handleRevealData(w http.ResponseWriter, r *http.Request) {
	var body revealRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if s.revealSecret == "" {
		writeError(w, faults.New(faults.PreconditionFailed, "reveal is not configured"))
		return
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(body.Token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(s.revealSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		writeError(w, faults.Wrap(faults.Unauthenticated, err, "invalid reveal token"))
		return
	}
	rawWallet, _ := claims["walletId"].(string)
	walletID, err := uuid.Parse(rawWallet)
	if err != nil {
		writeError(w, faults.New(faults.Unauthenticated, "reveal token is missing a wallet id"))
		return
	}
	wallet, err := s.store.HotWalletByID(r.Context(), walletID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"walletId":          wallet.ID.String(),
		"walletAddress":     wallet.WalletAddress,
		"encryptedMnemonic": wallet.Secret.EncryptedMnemonic,
	})
}

// GrantRevealToken mints a reveal token for one wallet, valid for ttl.
func GrantRevealToken(secret string, walletID uuid.UUID, ttl time.Duration, now func() time.Time) (string, error) {
	if now == nil {
		now = time.Now
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"walletId": walletID.String(),
		"iat":      now().Unix(),
		"exp":      now().Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}
