package mailer

import (
	"fmt"
	"html"
	"math"
	"time"

	"github.com/diagnosis/pixelvault/services/store/internal/domain"
)

type message struct {
	subject string
	text    string
	html    string
}

func verificationMessage(verifyURL string, ttl time.Duration) message {
	expires := humanDuration(ttl)
	return message{
		subject: "Verify your PixelVault account",
		text: fmt.Sprintf("Confirm your email address by opening this link: %s\n\nThe link expires in %s. If you did not request it, ignore this email.",
			verifyURL, expires),
		html: fmt.Sprintf(`
		<h2>Confirm your email</h2>
		<p>Click the button below to verify your PixelVault account:</p>
		<p><a href="%s" style="background-color: #111827; color: white; padding: 10px 20px; text-decoration: none; border-radius: 5px;">Verify Email</a></p>
		<p>This link will expire in %s.</p>
		<p>If you didn't request this, please ignore this email.</p>
	`, html.EscapeString(verifyURL), expires),
	}
}

func orderMessage(n OrderNotification) message {
	product := n.ProductName
	if product == "" {
		product = "your image"
	}
	amount := formatAmount(n.Amount, n.Currency)

	if n.Status == domain.OrderCompleted {
		return message{
			subject: "Order completed",
			text: fmt.Sprintf("Your order %s has been successfully placed!\n\nAmount: %s\nOrder: %s\nPayment: %s",
				product, amount, n.GatewayOrderID, n.PaymentID),
			html: fmt.Sprintf(`
		<h2>Thanks for your purchase</h2>
		<p>Your order <strong>%s</strong> has been successfully placed!</p>
		<p>Amount: %s<br>Order: %s<br>Payment: %s</p>
	`, html.EscapeString(product), amount, html.EscapeString(n.GatewayOrderID), html.EscapeString(n.PaymentID)),
		}
	}

	return message{
		subject: "Order failed",
		text: fmt.Sprintf("The payment for your order %s did not go through.\n\nAmount: %s\nOrder: %s\nYou have not been charged. Please try again.",
			product, amount, n.GatewayOrderID),
		html: fmt.Sprintf(`
		<h2>Payment failed</h2>
		<p>The payment for your order <strong>%s</strong> did not go through.</p>
		<p>Amount: %s<br>Order: %s</p>
		<p>You have not been charged. Please try again.</p>
	`, html.EscapeString(product), amount, html.EscapeString(n.GatewayOrderID)),
	}
}

func formatAmount(minor int64, currency string) string {
	return fmt.Sprintf("%.2f %s", float64(minor)/100, currency)
}

func humanDuration(d time.Duration) string {
	if d >= time.Hour {
		h := int(math.Round(d.Hours()))
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	}
	return fmt.Sprintf("%d minutes", int(math.Round(d.Minutes())))
}
