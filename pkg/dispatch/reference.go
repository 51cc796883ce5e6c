package dispatch

import "sync"

// ReferenceTable is a documented test double for Table: it records which
// entry points are currently "installed" without touching any real kernel
// structure. cmd/safeload installs into it when no real port is wired
// in; a real port (not in scope here, per spec §1/§6) replaces it with
// one that actually patches a syscall table.
type ReferenceTable struct {
	mu        sync.Mutex
	installed Handlers
}

func NewReferenceTable() *ReferenceTable { return &ReferenceTable{} }

func (t *ReferenceTable) Install(handlers Handlers) (Installation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.installed = handlers
	return &referenceInstallation{table: t}, nil
}

// Installed returns the currently installed Handlers, or nil if none.
func (t *ReferenceTable) Installed() Handlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.installed
}

type referenceInstallation struct {
	table *ReferenceTable
	once  sync.Once
}

func (i *referenceInstallation) Uninstall() error {
	i.once.Do(func() {
		i.table.mu.Lock()
		i.table.installed = nil
		i.table.mu.Unlock()
	})
	return nil
}
