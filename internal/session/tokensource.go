package session

import (
	"context"

	"golang.org/x/oauth2"
)

type tokenSource struct {
	ctx context.Context
	c   *Coordinator
}

// TokenSource adapts the coordinator to oauth2.TokenSource so outgoing
// clients can use oauth2.Transport. Every Token call goes through
// GetValidAccessToken; wrap it in oauth2.ReuseTokenSource only if the
// margin semantics of oauth2 are acceptable.
func (c *Coordinator) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, c: c}
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	access, err := ts.c.GetValidAccessToken(ts.ctx)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if cur := ts.c.Current(); cur != nil && cur.AccessToken == access {
		tok.Expiry = cur.ExpiresAt.Add(-ts.c.margin)
	}
	return tok, nil
}
