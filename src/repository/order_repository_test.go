package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		DSN:                  "sqlmock_db_0",
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	})

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		sqlDB.Close()
		t.Fatalf("failed to open gorm DB with sqlmock: %v", err)
	}

	return gdb, mock
}

func TestOrderRepositoryUpdateStatus(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := (&OrderRepository{}).WithDB(mockDB)

	t.Run("with venue order id", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "orders" SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		if err := repo.UpdateStatus(context.Background(), "ord-1", "LIVE", 0, "v-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("without venue order id keeps the stored one", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "orders" SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		if err := repo.UpdateStatus(context.Background(), "ord-1", "PARTIAL", 30, ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestOrderRepositoryFindByClientOrderIDNotFound(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := (&OrderRepository{}).WithDB(mockDB)

	mock.ExpectQuery(`SELECT \* FROM "orders" WHERE client_order_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "client_order_id"}))

	order, err := repo.FindByClientOrderID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("not-found must not be an error: %v", err)
	}
	if order != nil {
		t.Fatalf("expected nil order, got %+v", order)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestOrderRepositoryCountOpenByPair(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := (&OrderRepository{}).WithDB(mockDB)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "orders"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.CountOpenByPair(context.Background(), "pair1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 open orders, got %d", count)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestOrderRepositoryAppendEvent(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := (&OrderRepository{}).WithDB(mockDB)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "order_events"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	if err := repo.AppendEvent(context.Background(), "ord-1", "PLACE_ACKED", `{"venue_order_id":"v-1"}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}
