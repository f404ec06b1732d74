/*
Package log provides structured logging via zerolog: a global logger
configured once at startup (log.Init), plus WithComponent/WithGroupID/
WithTxID helpers for child loggers scoped to a subsystem, replication
group, or transaction.

	import "github.com/distrikv/partd/pkg/log"

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("replica").With().Logger()
*/
package log
