package handlers

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/pysugar/antigravity-nexus/internal/auth/google"
	"github.com/pysugar/antigravity-nexus/internal/auth/token"
	"github.com/pysugar/antigravity-nexus/internal/store"
)

// handleOAuthLogin starts a loopback enrolment flow and sends the browser to
// the Google consent page. The callback lands on the loopback server, which
// persists the account in the background.
func (s *Server) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	flow, err := google.StartFlow(s.cfg.OAuthCallbackPort)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "could not start oauth flow: "+err.Error())
		return
	}
	go s.completeEnrolment(flow)
	http.Redirect(w, r, flow.AuthURL(), http.StatusFound)
}

func (s *Server) completeEnrolment(flow *google.Flow) {
	res, err := flow.Wait(context.Background())
	if err != nil {
		logrus.WithError(err).Warn("oauth enrolment failed")
		return
	}
	if res.Token == nil || res.Token.RefreshToken == "" {
		logrus.WithField("email", res.Email).Warn("oauth enrolment returned no refresh token")
		return
	}

	acct := store.Account{
		Email:      res.Email,
		Kind:       store.CredentialOAuth,
		Credential: token.FormatRefresh(token.CompositeRefresh{RefreshToken: res.Token.RefreshToken}),
		Enabled:    true,
	}
	if err := s.accounts.Upsert(acct); err != nil {
		logrus.WithError(err).WithField("email", res.Email).Warn("could not store enrolled account")
		return
	}
	if err := s.accounts.Save(); err != nil {
		logrus.WithError(err).Warn("could not persist account store")
		return
	}
	logrus.WithField("email", res.Email).Info("account enrolled")
}
