package workflow

// State 工作流状态
type State string

const (
	StateIdle                 State = "Idle"
	StateValidatingInput      State = "ValidatingInput"
	StateUploadingAsset       State = "UploadingAsset"
	StateUploadingMetadata    State = "UploadingMetadata"
	StateSubmittingMint       State = "SubmittingMint"
	StateAwaitingConfirmation State = "AwaitingConfirmation"
	StateMinted               State = "Minted"

	StateCheckingOwnership  State = "CheckingOwnership"
	StateCheckingApproval   State = "CheckingApproval"
	StateSubmittingApproval State = "SubmittingApproval"
	StateAwaitingApproval   State = "AwaitingApproval"
	StateSubmittingListing  State = "SubmittingListing"
	StateListed             State = "Listed"

	StateCheckingListing    State = "CheckingListing"
	StateSubmittingCancel   State = "SubmittingCancel"
	StateCancelled          State = "Cancelled"
	StateSubmittingPurchase State = "SubmittingPurchase"
	StatePurchased          State = "Purchased"

	StateFailed   State = "Failed"
	StateTimedOut State = "TimedOut" // 交易已提交但未在超时内确认
)

// IsTerminal 是否为终态
func (s State) IsTerminal() bool {
	switch s {
	case StateMinted, StateListed, StateCancelled, StatePurchased, StateFailed, StateTimedOut:
		return true
	}
	return false
}

