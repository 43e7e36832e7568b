package reservation

import "errors"

// Reservation ドメインのエラー定義
var (
	ErrSlotUnavailable     = errors.New("この枠は既に押さえられています")
	ErrNotFound            = errors.New("予約が見つかりません")
	ErrInvalidState        = errors.New("予約は要求された操作を受け付けられる状態ではありません")
	ErrExpired             = errors.New("仮押さえの有効期限が切れています")
	ErrStoreUnavailable    = errors.New("予約ストアが利用できません")
	ErrUnknownState        = errors.New("不明な予約状態です")
	ErrHolderIDRequired    = errors.New("予約者IDは必須です")
	ErrProviderIDRequired  = errors.New("担当医IDは必須です")
	ErrScheduledAtRequired = errors.New("予約日時は必須です")
	ErrInvalidDuration     = errors.New("診療時間は1分以上である必要があります")
)
