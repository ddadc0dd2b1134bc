package transactor

import (
	"context"

	"transactor-client/internal/adapter/rpc"
	"transactor-client/internal/domain"
)

// Account returns the account the backend's token authenticates.
func Account[B Backend](ctx context.Context, c *Client[B]) (domain.Account, error) {
	acc, err := Get[domain.Account](ctx, c, rpc.MethodAccount)
	return acc, domain.WrapOp("Account", err)
}

// EnsurePerson finds or creates the person behind a social identity.
func EnsurePerson[B Backend](ctx context.Context, c *Client[B], req domain.EnsurePersonRequest) (domain.EnsurePersonResponse, error) {
	if req.SocialType == "" || req.SocialValue == "" {
		return domain.EnsurePersonResponse{}, domain.NewDomainError("EnsurePerson", domain.ErrInvalidInput, "social type and value are required")
	}
	resp, err := Post[domain.EnsurePersonResponse](ctx, c, rpc.MethodEnsurePerson, req)
	if err != nil {
		return resp, domain.WrapOp("EnsurePerson", err)
	}
	c.logger.Debug("transactor: person ensured", "social_type", req.SocialType, "social_id", resp.SocialID)
	return resp, nil
}
