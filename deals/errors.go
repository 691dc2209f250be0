package deals

import (
	"errors"
	"fmt"

	"github.com/warp/fuel-ledger/inventory"
)

var (
	ErrDealNotFound     = fmt.Errorf("deal %w", inventory.ErrNotFound)
	ErrTransferNotFound = fmt.Errorf("transfer %w", inventory.ErrNotFound)

	// ErrDuplicate is returned when creating a deal or transfer whose id exists.
	ErrDuplicate = errors.New("record already exists")
)
