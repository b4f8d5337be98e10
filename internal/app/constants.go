package app

import "time"

const (
	Name              = "simsnode"
	SourceURL         = "https://git.skobk.in/skobkin/simsnode"
	ConfigFilename    = "config.json"
	DBFilename        = "messages.db"
	LogFilename       = "node.log"
	BootCountFilename = "boot_count"

	// LoopInterval paces the radio-owning main loop.
	LoopInterval = 10 * time.Millisecond

	RadioBeginAttempts = 3
	RadioBeginBackoff  = 200 * time.Millisecond

	writerQueueSize = 256
	pruneInterval   = time.Hour
)
