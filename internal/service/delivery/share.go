package delivery

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/aliskhannn/delivery-frames/internal/model"
)

// View is a stored delivery with its customer share link.
type View struct {
	model.Delivery
	ShareLink string `json:"share_link"`
}

// Delivery returns the stored delivery record with a WhatsApp link the
// operator can open to send the photos to the customer.
func (s *Service) Delivery(ctx context.Context, id uuid.UUID) (View, error) {
	d, err := s.deps.Deliveries.GetDelivery(ctx, id)
	if err != nil {
		return View{}, err
	}

	return View{Delivery: d, ShareLink: ShareLink(d.WhatsAppNumber, s.opts.ShareMessage)}, nil
}

// ShareLink builds a wa.me link for number, keeping only its digits.
func ShareLink(number, message string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)

	text := strings.ReplaceAll(url.QueryEscape(message), "+", "%20")

	return "https://wa.me/" + digits + "?text=" + text
}
