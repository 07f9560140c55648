package remote

import (
	"context"

	"github.com/fhirdhis/adapter/internal/platform/cache"
	"github.com/fhirdhis/adapter/internal/script"
)

// OrgUnitLookup resolves organisation units by code for utils.lookup. Results
// (including misses) are memoized in the request's cache scope, and hits are
// shared through the scope's shared tier.
func OrgUnitLookup(c ResourceClient) script.LookupFunc {
	return func(ctx context.Context, code string) (interface{}, bool, error) {
		var ou map[string]interface{}
		found, err := cache.FromContext(ctx).LoadJSON(ctx, "dhis:org-unit:code:"+code, &ou,
			func(ctx context.Context) (interface{}, bool, error) {
				list, err := c.FindByIdentifier(ctx, KindOrganisationUnit, "code", code, 1)
				if err != nil || len(list) == 0 {
					return nil, false, err
				}
				return list[0], true, nil
			})
		if err != nil || !found {
			return nil, false, err
		}
		return ou, true, nil
	}
}
