package api

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/marcus/tally/internal/serverdb"
)

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// errInvalidTenant is returned for tenant ids that cannot name a directory.
var errInvalidTenant = errors.New("invalid tenant id")

func validTenant(id string) bool {
	return tenantPattern.MatchString(id) && id != "." && id != ".."
}

// TenantDBPool manages per-tenant SQLite databases, opened lazily on first use.
type TenantDBPool struct {
	mu      sync.RWMutex
	dbs     map[string]*serverdb.TenantDB
	dataDir string
}

// NewTenantDBPool creates a new pool that stores tenant databases under dataDir.
func NewTenantDBPool(dataDir string) *TenantDBPool {
	return &TenantDBPool{
		dbs:     make(map[string]*serverdb.TenantDB),
		dataDir: dataDir,
	}
}

// Get returns the database for the given tenant, creating it if needed.
func (p *TenantDBPool) Get(ctx context.Context, tenant string) (*serverdb.TenantDB, error) {
	if !validTenant(tenant) {
		return nil, errInvalidTenant
	}

	p.mu.RLock()
	db, ok := p.dbs[tenant]
	p.mu.RUnlock()
	if ok {
		return db, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if db, ok := p.dbs[tenant]; ok {
		return db, nil
	}

	db, err := serverdb.OpenTenant(ctx, filepath.Join(p.dataDir, tenant, "entities.db"))
	if err != nil {
		return nil, fmt.Errorf("open tenant %s: %w", tenant, err)
	}
	p.dbs[tenant] = db
	return db, nil
}

// Len returns the number of open tenant databases.
func (p *TenantDBPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.dbs)
}

// CloseAll closes all open tenant databases.
func (p *TenantDBPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, db := range p.dbs {
		db.Close()
		delete(p.dbs, id)
	}
}
