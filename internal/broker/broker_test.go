package broker

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestRedeliveryCountOf(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"no header defaults to zero", nil, 0},
		{"int32 header", amqp.Table{RedeliveryHeader: int32(2)}, 2},
		{"int64 header", amqp.Table{RedeliveryHeader: int64(3)}, 3},
		{"int header", amqp.Table{RedeliveryHeader: 4}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := amqp.Delivery{Headers: tt.headers}
			assert.Equal(t, tt.want, redeliveryCountOf(d))
		})
	}
}
