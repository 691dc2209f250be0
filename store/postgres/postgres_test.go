package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-ledger/inventory"
	"github.com/warp/fuel-ledger/pricing"
	"github.com/warp/fuel-ledger/store/sqlstore"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})
	return New(db), mock
}

var positionCols = []string{"warehouse_id", "product", "balance", "average_cost", "version", "updated_at"}

var north = inventory.PairKey{WarehouseID: "wh-north", Product: inventory.ProductKerosene}

func TestRebind_NumbersPlaceholders(t *testing.T) {
	got := sqlstore.Rebind(Dialect, "SELECT 1 FROM t WHERE a = ? AND b = ? AND c <> ?")
	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND b = $2 AND c <> $3", got)
}

func TestMigrate_RunsEveryStatement(t *testing.T) {
	s, mock := newMock(t)
	for _, stmt := range schema {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPosition_LocksRowInsideTransaction(t *testing.T) {
	// GIVEN: A stored position
	s, mock := newMock(t)
	ctx := context.Background()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM positions WHERE warehouse_id = \$1 AND product = \$2 FOR UPDATE`).
		WithArgs("wh-north", "kerosene").
		WillReturnRows(sqlmock.NewRows(positionCols).AddRow("wh-north", "kerosene", "900", "52", int64(3), time.Now()))
	mock.ExpectCommit()

	// WHEN: It is read inside WithTx
	var pos inventory.Position
	err := s.WithTx(ctx, func(tx inventory.Store) error {
		var err error
		pos, err = tx.GetPosition(ctx, north)
		return err
	})

	// THEN: The row was locked and decoded
	require.NoError(t, err)
	assert.True(t, pos.Balance.Equal(decimal.NewFromInt(900)))
	assert.True(t, pos.AverageCost.Equal(decimal.NewFromInt(52)))
	assert.Equal(t, int64(3), pos.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPosition_MissingRowIsZeroPosition(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SELECT .* FROM positions WHERE warehouse_id = \$1 AND product = \$2`).
		WithArgs("wh-north", "kerosene").
		WillReturnRows(sqlmock.NewRows(positionCols))

	pos, err := s.GetPosition(context.Background(), north)

	require.NoError(t, err)
	assert.Equal(t, int64(0), pos.Version)
	assert.Equal(t, north.WarehouseID, pos.WarehouseID)
	assert.True(t, pos.Balance.IsZero())
}

func TestSavePosition_LostCASIsConcurrentModification(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`UPDATE positions`).
		WithArgs("850", "52", int64(5), sqlmock.AnyArg(), "wh-north", "kerosene", int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SavePosition(context.Background(), inventory.Position{
		WarehouseID: "wh-north", Product: inventory.ProductKerosene,
		Balance: decimal.NewFromInt(850), AverageCost: decimal.NewFromInt(52),
		Version: 5, UpdatedAt: time.Now(),
	}, 4)

	assert.ErrorIs(t, err, inventory.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePosition_FirstInsertRaceIsConcurrentModification(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO positions`).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	err := s.SavePosition(context.Background(), inventory.Position{
		WarehouseID: "wh-north", Product: inventory.ProductKerosene, Version: 1, UpdatedAt: time.Now(),
	}, 0)

	assert.ErrorIs(t, err, inventory.ErrConcurrentModification)
}

func TestCreateWarehouse_DuplicateID(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO warehouses`).
		WithArgs("wh-north", "North", `["base-1"]`, sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	err := s.CreateWarehouse(context.Background(), inventory.Warehouse{
		ID: "wh-north", Name: "North", BaseIDs: []string{"base-1"}, CreatedAt: time.Now(),
	})

	assert.ErrorIs(t, err, inventory.ErrDuplicateWarehouse)
}

func TestFailedTransaction_RollsBack(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE positions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx inventory.Store) error {
		return tx.SavePosition(ctx, inventory.Position{WarehouseID: "wh-north", Product: inventory.ProductKerosene, Version: 2}, 1)
	})

	assert.ErrorIs(t, err, inventory.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOverlapping_BindsInclusiveDayBounds(t *testing.T) {
	s, mock := newMock(t)
	scope := pricing.Scope{
		CounterpartyID:   "cp-aero",
		CounterpartyType: pricing.TypeWholesale,
		Role:             pricing.RoleBuyer,
		Product:          inventory.ProductKerosene,
		BasisID:          "basis-1",
	}
	r, err := pricing.ParseDateRange("2024-01-15", "2024-02-15")
	require.NoError(t, err)

	cols := []string{"id", "counterparty_id", "counterparty_type", "role", "product", "basis_id",
		"date_from", "date_to", "is_active", "prices_json", "contracted_volume",
		"sold_volume", "sold_volume_at", "currency", "created_at", "updated_at"}
	now := time.Now()
	mock.ExpectQuery(`FROM price_records .* date_from <= \$7 AND date_to >= \$8 .* id <> \$9`).
		WithArgs("cp-aero", "wholesale", "buyer", "kerosene", "basis-1", true, "2024-02-15", "2024-01-15", "p-self").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"p-jan", "cp-aero", "wholesale", "buyer", "kerosene", "basis-1",
			time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
			true, `[{"value":"52.5","min_volume":"0"}]`, "0", "0", nil, "USD", now, now,
		))

	got, err := s.FindOverlapping(context.Background(), scope, r, "p-self")

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p-jan", got[0].ID)
	assert.True(t, got[0].Prices[0].Value.Equal(decimal.RequireFromString("52.5")))
	assert.NoError(t, mock.ExpectationsWereMet())
}
