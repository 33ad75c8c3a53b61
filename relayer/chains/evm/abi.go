package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// storageContractABI is the subset of the storage contract the relayer
// reads events from and writes results back to.
const storageContractABI = `[
  {"type":"event","name":"StorageRequested","anonymous":false,"inputs":[
    {"name":"requestId","type":"bytes32","indexed":true},
    {"name":"user","type":"address","indexed":true},
    {"name":"dataHash","type":"bytes32","indexed":false},
    {"name":"payment","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint64","indexed":false}]},
  {"type":"event","name":"RetrievalRequested","anonymous":false,"inputs":[
    {"name":"retrievalId","type":"bytes32","indexed":true},
    {"name":"requestId","type":"bytes32","indexed":true},
    {"name":"accessor","type":"address","indexed":true},
    {"name":"accessTokenHash","type":"bytes32","indexed":false}]},
  {"type":"event","name":"AccessRevoked","anonymous":false,"inputs":[
    {"name":"requestId","type":"bytes32","indexed":true}]},
  {"type":"function","name":"markFailed","stateMutability":"nonpayable","inputs":[
    {"name":"requestId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"confirmStorage","stateMutability":"nonpayable","inputs":[
    {"name":"requestId","type":"bytes32"},
    {"name":"receipt","type":"bytes"},
    {"name":"signature","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"confirmRetrieval","stateMutability":"nonpayable","inputs":[
    {"name":"retrievalId","type":"bytes32"},
    {"name":"integrityProof","type":"bytes"}],"outputs":[]}
]`

const (
	eventStorageRequested   = "StorageRequested"
	eventRetrievalRequested = "RetrievalRequested"
	eventAccessRevoked      = "AccessRevoked"

	methodMarkFailed       = "markFailed"
	methodConfirmStorage   = "confirmStorage"
	methodConfirmRetrieval = "confirmRetrieval"
)

var contractABI = mustParseABI(storageContractABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("invalid storage contract ABI: " + err.Error())
	}
	return parsed
}
