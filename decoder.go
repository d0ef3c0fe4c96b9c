package pendleyield

import (
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Event signatures (topic0) on the Pendle voting controller and markets.
const (
	// Vote(address indexed user, address indexed pool, uint256 weight, int256 bias, int256 slope)
	VoteTopic = "0xc71e393f1527f71ce01b78ea87c9bd4fca84f1482359ce7ac9b73f358c61b1e1"
	// Swap(address indexed caller, address indexed receiver, int256 netPtOut, int256 netSyOut, uint256 netSyFee, uint256 netSyToReserve)
	SwapTopic = "0x829000a5bc6a12d46e30cdcecd7c56b1efd88f6d7d059da6734a04f3764557c4"
)

const hexWordLen = 64 // one ABI word, 32 bytes

// LogEntry is a raw log row as returned by the Etherscan getLogs action.
// All numeric fields are hex strings.
type LogEntry struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TimeStamp       string   `json:"timeStamp"`
	TransactionHash string   `json:"transactionHash"`
}

// DecodeVoteEvents decodes raw log rows into vote events. Malformed rows
// (fewer than 3 topics, data shorter than 3 words, unparseable hex) are
// silently skipped so one garbage row from the indexer cannot poison the
// whole batch.
func DecodeVoteEvents(logs []LogEntry) []VoteEvent {
	events := make([]VoteEvent, 0, len(logs))
	for _, entry := range logs {
		if len(entry.Topics) < 3 {
			continue
		}
		words, ok := dataWords(entry.Data, 3)
		if !ok {
			continue
		}
		block, ok := parseHexInt(entry.BlockNumber)
		if !ok {
			continue
		}
		weight, ok1 := parseHexWord(words[0], false)
		bias, ok2 := parseHexWord(words[1], true)
		slope, ok3 := parseHexWord(words[2], true)
		if !ok1 || !ok2 || !ok3 {
			continue
		}

		events = append(events, VoteEvent{
			BlockNumber:     block,
			TransactionHash: entry.TransactionHash,
			VoterAddress:    topicAddress(entry.Topics[1]),
			PoolAddress:     topicAddress(entry.Topics[2]),
			Weight:          weight,
			Bias:            bias.Abs(bias),
			Slope:           slope.Abs(slope),
			Timestamp:       parseHexTimestamp(entry.TimeStamp),
		})
	}
	return events
}

// DecodeSwapEvents decodes raw log rows into swap events, with the same
// skip-on-malformed policy as DecodeVoteEvents. netPtOut and netSyOut keep
// their sign; the fee fields are unsigned.
func DecodeSwapEvents(logs []LogEntry) []SwapEvent {
	events := make([]SwapEvent, 0, len(logs))
	for _, entry := range logs {
		if len(entry.Topics) < 3 {
			continue
		}
		words, ok := dataWords(entry.Data, 4)
		if !ok {
			continue
		}
		block, ok := parseHexInt(entry.BlockNumber)
		if !ok {
			continue
		}
		netPtOut, ok1 := parseHexWord(words[0], true)
		netSyOut, ok2 := parseHexWord(words[1], true)
		netSyFee, ok3 := parseHexWord(words[2], false)
		netSyToReserve, ok4 := parseHexWord(words[3], false)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}

		events = append(events, SwapEvent{
			BlockNumber:     block,
			TransactionHash: entry.TransactionHash,
			PoolAddress:     strings.ToLower(entry.Address),
			Caller:          topicAddress(entry.Topics[1]),
			Receiver:        topicAddress(entry.Topics[2]),
			NetPtOut:        netPtOut,
			NetSyOut:        netSyOut,
			NetSyFee:        netSyFee,
			NetSyToReserve:  netSyToReserve,
			Timestamp:       parseHexTimestamp(entry.TimeStamp),
		})
	}
	return events
}

// topicAddress extracts the low 20 bytes of a 32-byte indexed topic.
func topicAddress(topic string) string {
	t := strings.TrimPrefix(strings.ToLower(topic), "0x")
	if len(t) < 40 {
		return "0x" + t
	}
	return "0x" + t[len(t)-40:]
}

// dataWords splits the data payload into 32-byte hex words. Returns false
// when the payload is shorter than the expected word count.
func dataWords(data string, n int) ([]string, bool) {
	d := strings.TrimPrefix(data, "0x")
	if len(d) < n*hexWordLen {
		return nil, false
	}
	words := make([]string, n)
	for i := 0; i < n; i++ {
		words[i] = d[i*hexWordLen : (i+1)*hexWordLen]
	}
	return words, true
}

var twoPow255 = new(big.Int).Lsh(big.NewInt(1), 255)
var twoPow256 = new(big.Int).Lsh(big.NewInt(1), 256)

// parseHexWord parses one ABI word as a big integer. When signed, values at
// or above 2^255 are reduced by 2^256 (two's complement).
func parseHexWord(word string, signed bool) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(word, 16)
	if !ok {
		return nil, false
	}
	if signed && v.Cmp(twoPow255) >= 0 {
		v.Sub(v, twoPow256)
	}
	return v, true
}

func parseHexInt(s string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseHexTimestamp parses a hex Unix timestamp; a zero time.Time marks an
// absent or unparseable timestamp.
func parseHexTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, ok := parseHexInt(s)
	if !ok || ts <= 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
