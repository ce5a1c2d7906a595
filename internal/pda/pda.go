// Package pda derives the program addresses of the protocol's records.
package pda

import (
	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/model"
)

// MaxPoolNameLen is the seed length limit applied to pool names.
const MaxPoolNameLen = solana.MaxSeedLength

func Cortex(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("cortex")}, programID)
}

func Pool(programID solana.PublicKey, name string) (solana.PublicKey, uint8, error) {
	if name == "" || len(name) > MaxPoolNameLen {
		return solana.PublicKey{}, 0, errcode.Wrap(errcode.ErrInvalidArgument, "pool name length %d", len(name))
	}
	return solana.FindProgramAddress([][]byte{[]byte("pool"), []byte(name)}, programID)
}

func LpTokenMint(programID, pool solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("lp_token_mint"), pool.Bytes()}, programID)
}

func Custody(programID, pool, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("custody"), pool.Bytes(), mint.Bytes()}, programID)
}

// Position is unique per owner, pool, traded custody, collateral custody
// and side.
func Position(programID, owner, pool, custody, collateralCustody solana.PublicKey, side model.Side) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{
		[]byte("position"),
		owner.Bytes(),
		pool.Bytes(),
		custody.Bytes(),
		collateralCustody.Bytes(),
		{byte(side)},
	}, programID)
}
