package dispute

import (
	"testing"

	"github.com/veralabs/disputed/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	storeTest(t, func(t *testing.T) Store {
		t.Helper()
		if _, err := db.Exec(`TRUNCATE disputes, votes CASCADE`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		_, err := db.Exec(`
			INSERT INTO platforms (id, name, token_contract, min_balance)
			VALUES
				('acme', 'Acme', '0xabc0000000000000000000000000000000000001', '100'),
				('beta', 'Beta', '0xabc0000000000000000000000000000000000002', '50')
			ON CONFLICT (id) DO NOTHING`)
		if err != nil {
			t.Fatalf("seed platforms: %v", err)
		}
		return NewPostgresStore(db)
	})
}
