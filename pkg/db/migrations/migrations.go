// Package migrations holds the schema migrations for the service database.
package migrations

import "github.com/mbkchat/relay/pkg/db"

// All returns every known migration in declaration order. The runner sorts by
// version before applying.
func All() []db.Migration {
	return []db.Migration{
		Migration20250301120000CreateRoutingTables(),
		Migration20250301120001CreateDealTables(),
		Migration20250301120002CreateJobTables(),
	}
}
