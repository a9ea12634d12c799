// Package domain defines the purchase flow's outcome types and error
// taxonomy.
package domain

import "errors"

var (
	// ErrPurchaseAlreadyPending rejects a purchase attempt while another
	// one holds the purchase slot.
	ErrPurchaseAlreadyPending = errors.New("another purchase is already in progress")

	// ErrAlreadyPurchased rejects buying a product the customer already
	// owns (or a subscription plan they are already on).
	ErrAlreadyPurchased = errors.New("product already purchased")

	// ErrRenewAlreadyOnThisPlan rejects a plan change when the
	// subscription is already scheduled to renew on the requested plan.
	ErrRenewAlreadyOnThisPlan = errors.New("subscription already renews on this plan")

	// ErrNotManagedByThisStoreAccount rejects a plan change when the
	// current subscription was bought with a different store account.
	ErrNotManagedByThisStoreAccount = errors.New("subscription not managed by this store account")

	// ErrStoreAccountAlreadyHasPurchase rejects a purchase when the
	// store account holds a purchase mapped to a different customer.
	ErrStoreAccountAlreadyHasPurchase = errors.New("store account already has a purchase for another customer")

	// ErrUserCanceled reports the user dismissed the platform purchase
	// flow.
	ErrUserCanceled = errors.New("purchase canceled by user")

	// ErrPurchasePending reports the platform deferred the purchase,
	// e.g. pending parental approval. The purchase reconciles later
	// through the ledger update feed.
	ErrPurchasePending = errors.New("purchase pending external approval")

	// ErrPurchaseFailed reports a purchase the platform could not
	// complete or verify.
	ErrPurchaseFailed = errors.New("purchase failed")

	// ErrWebhookFailed reports the backend failed to process the
	// purchase event.
	ErrWebhookFailed = errors.New("purchase event processing failed")

	// ErrWebhookNotProcessed reports the backend did not process the
	// purchase event within the wait window. The local purchase is
	// finalized; entitlements catch up on a later sync.
	ErrWebhookNotProcessed = errors.New("purchase event not processed in time")
)

var (
	ErrNothingToTransfer      = errors.New("no purchases to transfer")
	ErrTransferToSameCustomer = errors.New("purchases already belong to this customer")
	ErrTransferAlreadyPending = errors.New("a transfer request is already pending")
	ErrTransferNotProcessed   = errors.New("transfer not processed in time")
	ErrTransferFailed         = errors.New("transfer failed")
)

// TransferErrorFromCode maps a backend transfer-request error code to
// the matching sentinel; unknown codes return nil.
func TransferErrorFromCode(code string) error {
	switch code {
	case "nothing_to_transfer":
		return ErrNothingToTransfer
	case "transfer_to_same_customer":
		return ErrTransferToSameCustomer
	case "already_pending":
		return ErrTransferAlreadyPending
	default:
		return nil
	}
}
