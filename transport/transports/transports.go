// Package transports links every bundled broker adapter into the binary.
// Import it for its side effects when the broker is chosen at runtime.
package transports

import (
	_ "github.com/drblury/momflow/transport/aws"
	_ "github.com/drblury/momflow/transport/channel"
	_ "github.com/drblury/momflow/transport/http"
	_ "github.com/drblury/momflow/transport/jetstream"
	_ "github.com/drblury/momflow/transport/kafka"
	_ "github.com/drblury/momflow/transport/nats"
	_ "github.com/drblury/momflow/transport/rabbitmq"
)
