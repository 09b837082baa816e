package core

import (
	"context"

	"gwi.com/contract-assistant/internal/errs"
)

// TenantAccessPolicy grants access to every contract of the user's company.
type TenantAccessPolicy struct {
	contracts ContractStore
}

func NewTenantAccessPolicy(contracts ContractStore) *TenantAccessPolicy {
	return &TenantAccessPolicy{contracts: contracts}
}

func (p *TenantAccessPolicy) IsAccessible(ctx context.Context, user UserContext, contractID string) (bool, error) {
	if user.CompanyID == "" {
		return false, nil
	}
	c, err := p.contracts.GetContract(ctx, contractID)
	if err != nil {
		if errs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return c.CompanyID == user.CompanyID, nil
}

func (p *TenantAccessPolicy) AccessibleContractIDs(ctx context.Context, user UserContext) ([]string, error) {
	if user.CompanyID == "" {
		return nil, nil
	}
	return p.contracts.ListContractIDsByCompany(ctx, user.CompanyID)
}
