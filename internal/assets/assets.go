package assets

import _ "embed"

// Embedded reference tables
// These are compiled into the binary at build time

// MCCMNC lists mobile network codes as "mcc,mnc,country,operator" rows.
//
//go:embed mccmnc.csv
var MCCMNC []byte
