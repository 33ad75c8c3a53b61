package constant

import "os"

// <NodeDir>/                    (e.g., /home/relayer/.dhrelay)
// └── config/
//	└── dhrelay_config.json
// └── databases/
//	└── relayer.db
//	└── eip155_11155111.db
// └── blobs/
// └── relayer/
//	└── evm.key
//	└── svm.json

const (
	NodeDir = ".dhrelay"

	ConfigSubdir   = "config"
	ConfigFileName = "dhrelay_config.json"

	DatabasesSubdir = "databases"
	MainDBFileName  = "relayer.db"

	BlobsSubdir = "blobs"

	RelayerSubdir = "relayer"
)

var DefaultNodeHome = os.ExpandEnv("$HOME/") + NodeDir
