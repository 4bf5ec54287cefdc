package fabric

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

type txKey struct{}

type nodeKey struct{}

// TxFrom returns the transaction Begin put into ctx, if any.
func TxFrom(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(txKey{}).(*Transaction)
	return tx
}

// Begin opens a transaction scoped to ctx. Inside the scope of an active
// transaction of the same branch it joins that one; a different branch
// is ErrWrongTrunk.
func Begin(ctx context.Context, b *Branch) (context.Context, *Transaction, error) {
	if tx := TxFrom(ctx); tx != nil && tx.state == txActive {
		if tx.branch != b {
			return ctx, nil, errors.Wrapf(ErrWrongTrunk, "active transaction is on %s, not %s", tx.branch.Name(), b.Name())
		}
		tx.depth++
		return ctx, tx, nil
	}
	tx := b.start(ctx)
	return context.WithValue(ctx, txKey{}, tx), tx, nil
}

// Run executes fn in a transaction and commits it, running fn again on a
// fresh snapshot after every conflict until ctx or RetryTimeout ends.
func (b *Branch) Run(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.opts.FlushInterval / 10
	policy.MaxInterval = b.opts.FlushInterval * 10
	policy.MaxElapsedTime = b.opts.RetryTimeout

	attempt := func() error {
		tctx, tx, err := Begin(ctx, b)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(tctx, tx); err != nil {
			tx.Abort()
			if errors.Is(err, ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		err = tx.Commit()
		if err != nil && !errors.Is(err, ErrConflict) {
			return backoff.Permanent(err)
		}
		if err != nil {
			RunRetries.Inc()
		}
		return err
	}
	return backoff.Retry(attempt, backoff.WithContext(policy, ctx))
}

// WithNode makes n the default node of ctx.
func WithNode(ctx context.Context, n *Node) context.Context {
	return context.WithValue(ctx, nodeKey{}, n)
}

func NodeFrom(ctx context.Context) *Node {
	n, _ := ctx.Value(nodeKey{}).(*Node)
	return n
}
