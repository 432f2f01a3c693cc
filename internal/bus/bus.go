package bus

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Reconnect backoff bounds shared by the publisher and consumers.
const (
	reconnectBase = 1 * time.Second
	reconnectCap  = 10 * time.Second
)

// nextDelay doubles the backoff up to the cap.
func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectCap {
		return reconnectCap
	}
	return d
}

// dial opens a connection and channel and declares the topic exchange.
// Callers own both and must close the connection when done.
func dial(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, nil, err
	}

	return conn, ch, nil
}
