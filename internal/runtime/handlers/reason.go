package handlers

import "fmt"

func deadLetterReason(deliveryCount, limit int) string {
	return fmt.Sprintf("delivery count %d exceeded limit %d", deliveryCount, limit)
}
