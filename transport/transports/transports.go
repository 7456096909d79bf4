// Package transports registers every built-in transport with the default
// registry. Import it for its side effects.
package transports

import (
	_ "github.com/BookBeat/knightbus-sub001/transport/aws"
	_ "github.com/BookBeat/knightbus-sub001/transport/channel"
	_ "github.com/BookBeat/knightbus-sub001/transport/http"
	_ "github.com/BookBeat/knightbus-sub001/transport/jetstream"
	_ "github.com/BookBeat/knightbus-sub001/transport/kafka"
	_ "github.com/BookBeat/knightbus-sub001/transport/nats"
	_ "github.com/BookBeat/knightbus-sub001/transport/postgres"
	_ "github.com/BookBeat/knightbus-sub001/transport/rabbitmq"
	_ "github.com/BookBeat/knightbus-sub001/transport/sqlite"
	_ "github.com/BookBeat/knightbus-sub001/transport/sqs"
)
