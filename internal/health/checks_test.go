package health

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func TestDBChecker_Unreachable(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1")
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer db.Close()

	if err := NewDBChecker(db, "orders").HealthCheck(context.Background()); err == nil {
		t.Error("expected an error for an unreachable database")
	}
}

func TestRedisChecker(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{name: "unreachable", addr: "127.0.0.1:1", wantErr: true},
	}
	if addr := os.Getenv("REDIS_TEST_ADDR"); addr != "" {
		tests = append(tests, struct {
			name    string
			addr    string
			wantErr bool
		}{name: "live", addr: addr})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := redis.NewClient(&redis.Options{Addr: tt.addr, DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
			defer client.Close()

			err := NewRedisChecker(client).HealthCheck(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("HealthCheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRedisChecker_CanceledContext(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewRedisChecker(client).HealthCheck(ctx); err == nil {
		t.Error("expected an error with a canceled context")
	}
}
