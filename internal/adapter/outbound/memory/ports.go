package memory

import (
	"github.com/qbrix/qbrix/internal/domain/bandit"
	"github.com/qbrix/qbrix/internal/domain/catalog"
	"github.com/qbrix/qbrix/internal/domain/feedback"
	"github.com/qbrix/qbrix/internal/domain/gate"
)

// Compile-time port checks.
var (
	_ bandit.ParamStore     = (*KV)(nil)
	_ catalog.SnapshotStore = (*KV)(nil)
	_ gate.ConfigStore      = (*KV)(nil)
	_ feedback.Publisher    = (*Stream)(nil)
	_ feedback.Consumer     = (*Stream)(nil)
)
