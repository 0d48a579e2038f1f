package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/alejandrodnm/gavel/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// Console implementa ports.Notifier escribiendo una línea por transición.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout, now: time.Now}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w, now: time.Now}
}

func (c *Console) AuctionStarted(_ context.Context, a domain.Auction) error {
	c.printf("[%s] auction #%d %q started (initial %d, gap %d, ends %s)\n",
		c.now().Format("15:04:05"), a.ID, compactTitle(a.Title, 40),
		a.InitialPrice, a.MinBidPriceGap, a.EndTime.UTC().Format(time.RFC3339))
	return nil
}

func (c *Console) AuctionClosed(_ context.Context, a domain.Auction, winner *domain.Bid) error {
	ts := c.now().Format("15:04:05")
	if winner == nil {
		c.printf("[%s] auction #%d %q closed without bids\n", ts, a.ID, compactTitle(a.Title, 40))
		return nil
	}
	c.printf("[%s] auction #%d %q closed: winner user %d at %d\n",
		ts, a.ID, compactTitle(a.Title, 40), winner.AuthorID, winner.Price)
	return nil
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// ReportRow es una subasta con su líder actual (nil si no hay pujas).
type ReportRow struct {
	Auction domain.Auction
	Leader  *domain.Bid
}

// Report imprime una tabla con el estado de las subastas.
func (c *Console) Report(rows []ReportRow) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(rows) == 0 {
		fmt.Fprintln(c.out, "no auctions")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Title", "Phase", "Active", "Price", "Leader", "Start", "End")
	for _, r := range rows {
		a := r.Auction
		leader := "-"
		if r.Leader != nil {
			leader = strconv.FormatInt(r.Leader.AuthorID, 10)
		}
		table.Append(
			strconv.FormatInt(a.ID, 10),
			compactTitle(a.Title, 30),
			string(a.Phase()),
			yesNo(a.Active),
			strconv.FormatInt(domain.CurrentPrice(a, r.Leader), 10),
			leader,
			a.StartTime.UTC().Format("2006-01-02 15:04"),
			a.EndTime.UTC().Format("2006-01-02 15:04"),
		)
	}
	table.Render()
}

func compactTitle(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
