package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"

	"chatline/internal/chat"
	"chatline/internal/errs"
	"chatline/internal/mocks"
	"chatline/internal/storage"
)

func newTestService(t *testing.T) (*Service, *mocks.MockAccounts) {
	t.Helper()
	ctrl := gomock.NewController(t)
	accounts := mocks.NewMockAccounts(ctrl)
	tokens, err := NewTokens("test-secret", time.Hour)
	require.NoError(t, err)
	return NewService(accounts, tokens, bcrypt.MinCost, logs.GetLoggerFromLevel(slog.LevelDebug)), accounts
}

func TestService_Signup(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	service, accounts := newTestService(t)

	accounts.EXPECT().CreateUser(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, account storage.NewAccount) (chat.User, error) {
			req.Equal("alice", account.Username)
			req.Equal("Alice Liddell", account.FullName)
			req.True(ComparePassword(account.PasswordHash, "correct-horse"))
			return chat.User{ID: "u-1", Username: account.Username, FullName: account.FullName}, nil
		})

	session, err := service.Signup(ctx, SignupRequest{Username: "  Alice", Password: "correct-horse", FullName: " Alice Liddell "})
	req.NoError(err)
	req.Equal("u-1", session.User.ID)

	userID, err := service.Authenticate(session.Token)
	req.NoError(err)
	req.Equal("u-1", userID)
}

func TestService_SignupValidation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	service, _ := newTestService(t)

	for _, signup := range []SignupRequest{
		{Username: "al", Password: "correct-horse"},
		{Username: "alice!", Password: "correct-horse"},
		{Username: "alice", Password: "short"},
		{Username: "", Password: "correct-horse"},
	} {
		_, err := service.Signup(ctx, signup)
		req.ErrorIs(err, errs.ErrValidation, signup.Username)
	}
}

func TestService_SignupConflicts(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	service, accounts := newTestService(t)

	accounts.EXPECT().CreateUser(gomock.Any(), gomock.Any()).Return(chat.User{}, storage.ErrUserExists)
	_, err := service.Signup(ctx, SignupRequest{Username: "alice", Password: "correct-horse"})
	req.ErrorIs(err, errs.ErrValidation)

	accounts.EXPECT().CreateUser(gomock.Any(), gomock.Any()).Return(chat.User{}, errors.New("disk full"))
	_, err = service.Signup(ctx, SignupRequest{Username: "alice", Password: "correct-horse"})
	req.ErrorIs(err, errs.ErrStoreUnavailable)
}

func TestService_Login(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	service, accounts := newTestService(t)
	hash, err := HashPassword("correct-horse", bcrypt.MinCost)
	req.NoError(err)
	account := &storage.Account{User: chat.User{ID: "u-1", Username: "alice"}, PasswordHash: hash}

	accounts.EXPECT().GetAccountByUsername(gomock.Any(), "alice").Return(account, nil).Times(2)
	accounts.EXPECT().GetAccountByUsername(gomock.Any(), "ghost").Return(nil, nil)

	session, err := service.Login(ctx, LoginRequest{Username: "ALICE", Password: "correct-horse"})
	req.NoError(err)
	req.Equal("u-1", session.User.ID)

	_, err = service.Login(ctx, LoginRequest{Username: "alice", Password: "wrong-horse"})
	req.ErrorIs(err, errs.ErrUnauthorized)

	_, err = service.Login(ctx, LoginRequest{Username: "ghost", Password: "correct-horse"})
	req.ErrorIs(err, errs.ErrUnauthorized)
}

func TestService_Me(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	service, accounts := newTestService(t)
	token, err := service.tokens.Generate("u-1")
	req.NoError(err)

	accounts.EXPECT().GetUserByID(gomock.Any(), "u-1").Return(&chat.User{ID: "u-1", Username: "alice"}, nil)
	user, err := service.Me(ctx, token)
	req.NoError(err)
	req.Equal("alice", user.Username)

	// Deleted accounts lose access
	accounts.EXPECT().GetUserByID(gomock.Any(), "u-1").Return(nil, nil)
	_, err = service.Me(ctx, token)
	req.ErrorIs(err, errs.ErrUnauthorized)

	_, err = service.Me(ctx, "")
	req.ErrorIs(err, errs.ErrUnauthorized)
}

func TestService_UpdateProfile(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	service, accounts := newTestService(t)

	accounts.EXPECT().
		UpdateProfile(gomock.Any(), "u-1", storage.ProfileUpdate{FullName: "Alice L", Bio: "down the hole", AvatarRef: "pic.png"}).
		Return(chat.User{ID: "u-1", Username: "alice", FullName: "Alice L", Bio: "down the hole", AvatarRef: "pic.png"}, nil)

	user, err := service.UpdateProfile(ctx, "u-1", ProfileRequest{FullName: " Alice L ", Bio: "down the hole\n", AvatarRef: "pic.png"})
	req.NoError(err)
	req.Equal("pic.png", user.AvatarRef)
	req.Equal("down the hole", user.Bio)
}

func TestService_UpdateProfileFailures(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	service, accounts := newTestService(t)

	// too long, the store is never reached
	_, err := service.UpdateProfile(ctx, "u-1", ProfileRequest{Bio: strings.Repeat("x", 281)})
	req.ErrorIs(err, errs.ErrValidation)

	accounts.EXPECT().UpdateProfile(gomock.Any(), "gone", gomock.Any()).Return(chat.User{}, storage.ErrNotFound)
	_, err = service.UpdateProfile(ctx, "gone", ProfileRequest{FullName: "Ghost"})
	req.ErrorIs(err, errs.ErrUnauthorized)

	accounts.EXPECT().UpdateProfile(gomock.Any(), "u-1", gomock.Any()).Return(chat.User{}, errors.New("disk full"))
	_, err = service.UpdateProfile(ctx, "u-1", ProfileRequest{FullName: "Alice"})
	req.ErrorIs(err, errs.ErrStoreUnavailable)
}
