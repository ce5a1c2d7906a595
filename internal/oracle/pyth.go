package oracle

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/metrics"
)

var (
	// PythPushOracleProgramID owns every PriceUpdateV2 account.
	PythPushOracleProgramID = solana.MustPublicKeyFromBase58("pythWSnswVUd12oZpeFP8e9CVaEqJg25g1Vtc2biRsT")

	priceUpdateV2Discriminator = []byte{34, 241, 35, 99, 157, 126, 244, 205}
)

const verificationFull = 1

// DecodePriceUpdateV2 parses a Pyth PriceUpdateV2 account body. Only fully
// verified updates are accepted.
func DecodePriceUpdateV2(feed solana.PublicKey, data []byte) (RawPrice, error) {
	dec := bin.NewBorshDecoder(data)

	disc, err := dec.ReadNBytes(8)
	if err != nil || !bytes.Equal(disc, priceUpdateV2Discriminator) {
		return RawPrice{}, errcode.Wrap(errcode.ErrInvalidOracleAccount, "discriminator mismatch")
	}
	if _, err := dec.ReadNBytes(32); err != nil { // write authority
		return RawPrice{}, errcode.Wrap(errcode.ErrInvalidOracleAccount, "missing write authority")
	}
	level, err := dec.ReadUint8()
	if err != nil {
		return RawPrice{}, errcode.Wrap(errcode.ErrInvalidOracleAccount, "missing verification level")
	}
	if level != verificationFull {
		return RawPrice{}, errcode.Wrap(errcode.ErrInvalidOracleAccount, "verification level %d is not full", level)
	}
	if _, err := dec.ReadNBytes(32); err != nil { // feed id
		return RawPrice{}, errcode.Wrap(errcode.ErrInvalidOracleAccount, "missing feed id")
	}

	var raw RawPrice
	raw.Feed = feed
	if raw.Price, err = dec.ReadInt64(binary.LittleEndian); err != nil {
		return RawPrice{}, decodeErr("price", err)
	}
	if raw.Confidence, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return RawPrice{}, decodeErr("conf", err)
	}
	if raw.Exponent, err = dec.ReadInt32(binary.LittleEndian); err != nil {
		return RawPrice{}, decodeErr("exponent", err)
	}
	if raw.PublishTime, err = dec.ReadInt64(binary.LittleEndian); err != nil {
		return RawPrice{}, decodeErr("publish_time", err)
	}
	return raw, nil
}

func decodeErr(field string, err error) error {
	return errcode.Wrap(errcode.ErrInvalidOracleAccount, "decode %s: %v", field, err)
}

// PythFetcher polls PriceUpdateV2 accounts over Solana RPC and pushes the
// decoded observations into a Book. The engine never waits on RPC.
type PythFetcher struct {
	client     *rpc.Client
	book       *Book
	feeds      []solana.PublicKey
	commitment rpc.CommitmentType
	logger     *slog.Logger
}

// NewPythFetcher creates a fetcher for feeds against the RPC endpoint url.
func NewPythFetcher(url string, book *Book, feeds []solana.PublicKey, logger *slog.Logger) *PythFetcher {
	return &PythFetcher{
		client:     rpc.New(url),
		book:       book,
		feeds:      feeds,
		commitment: rpc.CommitmentConfirmed,
		logger:     logger.With("component", "pyth_fetcher"),
	}
}

// Refresh fetches every feed once. Feeds that fail to decode are skipped and
// keep their previous observation, which the adapter will eventually treat
// as stale.
func (f *PythFetcher) Refresh(ctx context.Context) error {
	if len(f.feeds) == 0 {
		return nil
	}
	res, err := f.client.GetMultipleAccountsWithOpts(ctx, f.feeds, &rpc.GetMultipleAccountsOpts{
		Commitment: f.commitment,
	})
	if err != nil {
		return fmt.Errorf("oracle: get price accounts: %w", err)
	}
	if res == nil || len(res.Value) != len(f.feeds) {
		return fmt.Errorf("oracle: rpc returned %d accounts for %d feeds", lenValue(res), len(f.feeds))
	}
	for i, acc := range res.Value {
		feed := f.feeds[i]
		if acc == nil {
			f.logger.Warn("price account missing", "feed", feed)
			continue
		}
		if !acc.Owner.Equals(PythPushOracleProgramID) {
			f.logger.Warn("price account owner mismatch", "feed", feed, "owner", acc.Owner)
			continue
		}
		raw, err := DecodePriceUpdateV2(feed, acc.Data.GetBinary())
		if err != nil {
			f.logger.Warn("price account decode failed", "feed", feed, "err", err)
			continue
		}
		f.book.Set(raw)
	}
	return nil
}

func lenValue(res *rpc.GetMultipleAccountsResult) int {
	if res == nil {
		return 0
	}
	return len(res.Value)
}

// Run refreshes on every tick until ctx is cancelled.
func (f *PythFetcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	f.logger.Info("pyth fetcher started", "feeds", len(f.feeds), "interval", interval.String())
	for {
		if err := f.Refresh(ctx); err != nil && ctx.Err() == nil {
			metrics.OracleRefreshErrors.Inc()
			f.logger.Error("pyth refresh failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
