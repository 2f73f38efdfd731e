package lifecycle

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/organization-manager/organization-manager/internal/access"
	"github.com/organization-manager/organization-manager/internal/db/models"
	"github.com/organization-manager/organization-manager/internal/gateway"
	"github.com/organization-manager/organization-manager/internal/telemetry"
)

// Mail template and subject keys of the invitation
const (
	InviteTemplate = "organization-invite"
	InviteSubject  = "organization-invite.subject"
)

// inviterName resolves the caller's display name, falling back to the login
func (o *Orchestrator) inviterName(ctx context.Context, caller access.Caller) string {
	info, err := o.identityUsers.GetUserInfo(ctx, caller.Login)
	if err != nil {
		slog.Debug("inviter profile unavailable", "login", caller.Login, "error", err)
	}
	if name := info.DisplayName(); name != "" {
		return name
	}
	return caller.Login
}

func (o *Orchestrator) acceptLink(u *models.User, key string) string {
	q := url.Values{"userId": {u.ID}, "acceptKey": {key}}
	if o.opts.AcceptURL == "" {
		return "?" + q.Encode()
	}
	return o.opts.AcceptURL + "?" + q.Encode()
}

// issueAndInvite issues a fresh accept key on u, stores u through tx and mails the
// invitation. newlyInvited selects the wording for logins unknown to the identity provider.
func (o *Orchestrator) issueAndInvite(ctx context.Context, tx Store, caller access.Caller, org *models.Organization, u *models.User, newlyInvited bool) error {
	key, err := o.keys.Issue(u)
	if err != nil {
		return storeErr(err, "failed to issue accept key")
	}
	if err := tx.Users().Update(ctx, u); err != nil {
		return storeErr(err, "failed to store invitation")
	}

	lang := o.opts.DefaultLanguage
	if u.InviteLanguage != nil && *u.InviteLanguage != "" {
		lang = *u.InviteLanguage
	}

	err = o.mailing.Send(ctx, gateway.Mail{
		Template:  InviteTemplate,
		Subject:   InviteSubject,
		Recipient: u.Login,
		Language:  lang,
		Variables: map[string]any{
			"inviterName":      o.inviterName(ctx, caller),
			"organizationName": org.Name,
			"logoUrl":          org.LogoURL(),
			"acceptUrl":        o.acceptLink(u, key),
			"login":            u.Login,
			"isNewlyInvited":   newlyInvited,
		},
	})
	if err != nil {
		return err
	}
	telemetry.InvitationsSentTotal.Inc()
	return nil
}
