package ledger

import "iter"

// Page is a bounded slice of history plus the cursor for the next page.
type Page struct {
	Transactions []Transaction
	NextCursor   int64 // zero when there are no more rows
}

// CollectPage drains at most limit transactions from seq. It reads one
// extra row to decide whether a next page exists.
func CollectPage(seq iter.Seq2[Transaction, error], limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	page := Page{Transactions: make([]Transaction, 0, limit)}
	for tx, err := range seq {
		if err != nil {
			return Page{}, err
		}
		if len(page.Transactions) == limit {
			page.NextCursor = page.Transactions[limit-1].Seq
			break
		}
		page.Transactions = append(page.Transactions, tx)
	}
	return page, nil
}
