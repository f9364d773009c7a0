package postgres

import (
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
)

var ten = big.NewInt(10)

// toNumeric encodes an amount for a NUMERIC(78,0) column; nil encodes as SQL NULL.
func toNumeric(v *big.Int) pgtype.Numeric {
	if v == nil {
		return pgtype.Numeric{}
	}
	return pgtype.Numeric{Int: new(big.Int).Set(v), Valid: true}
}

// fromNumeric decodes an integral NUMERIC. NULL decodes as nil.
func fromNumeric(n pgtype.Numeric) (*big.Int, error) {
	if !n.Valid {
		return nil, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return nil, fmt.Errorf("numeric is not a finite integer")
	}
	out := new(big.Int)
	if n.Int != nil {
		out.Set(n.Int)
	}
	switch {
	case n.Exp > 0:
		out.Mul(out, new(big.Int).Exp(ten, big.NewInt(int64(n.Exp)), nil))
	case n.Exp < 0:
		scale := new(big.Int).Exp(ten, big.NewInt(int64(-n.Exp)), nil)
		quo, rem := new(big.Int).QuoRem(out, scale, new(big.Int))
		if rem.Sign() != 0 {
			return nil, fmt.Errorf("numeric %s has a fractional part", n.Int)
		}
		out = quo
	}
	return out, nil
}

// numericFields decodes several scanned columns into their destinations in one pass.
type numericFields struct {
	cols []*pgtype.Numeric
	dsts []**big.Int
}

func (f *numericFields) add(dst **big.Int) *pgtype.Numeric {
	col := new(pgtype.Numeric)
	f.cols = append(f.cols, col)
	f.dsts = append(f.dsts, dst)
	return col
}

func (f *numericFields) decode() error {
	for i := range f.cols {
		v, err := fromNumeric(*f.cols[i])
		if err != nil {
			return err
		}
		*f.dsts[i] = v
	}
	return nil
}
