package session

import (
	"context"
	"fmt"

	"github.com/rbeltran/dialdesk/internal/metrics"
	"github.com/rbeltran/dialdesk/internal/telephony"
	"github.com/rbeltran/dialdesk/internal/types"
)

// Initialize fetches a voice token, creates the telephony device and
// registers it with the signaling service. Failures leave the session in
// the not-ready state; consumers see it through the registration field and
// operations fail with ErrNotRegistered.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.device != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	token, err := c.backend.FetchVoiceToken(ctx, c.agentID)
	if err != nil {
		c.logger.Error().Err(err).Msg("voice token fetch failed")
		c.notice(types.NoticeLevelError, types.NoticeCodeDisconnected, "could not connect to the phone service")
		return fmt.Errorf("session: fetch voice token: %w", err)
	}

	device, err := c.factory(token.Token, telephony.DeviceEvents{
		OnRegistered:      c.handleRegistered,
		OnUnregistered:    c.handleUnregistered,
		OnTokenWillExpire: c.handleTokenWillExpire,
		OnIncoming:        c.handleIncoming,
		OnError:           c.handleDeviceError,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("device creation failed")
		c.notice(types.NoticeLevelError, types.NoticeCodeDisconnected, "could not set up the phone device")
		return fmt.Errorf("session: create device: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		device.Destroy()
		return ErrClosed
	}
	if c.device != nil {
		// A concurrent Initialize won while token fetch and device
		// construction ran unlocked; keep its device, discard ours
		c.mu.Unlock()
		device.Destroy()
		return nil
	}
	c.device = device
	c.mu.Unlock()

	if err := device.Register(ctx); err != nil {
		c.logger.Error().Err(err).Msg("device registration failed")
		c.notice(types.NoticeLevelError, types.NoticeCodeDisconnected, "phone service registration failed")
		return fmt.Errorf("session: register device: %w", err)
	}
	c.markRegistered()

	go c.setAgentStatus(true)
	return nil
}

// EnsureRegistered re-checks the registration after the consumer regains
// focus. The tracked status alone is not trusted here: a backgrounded
// consumer can lose its signaling connection without the unregistered
// event ever arriving, so the adapter is asked for its live state before
// the early return. Otherwise one bounded recovery round runs inline.
func (c *Coordinator) EnsureRegistered(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	device := c.device
	tracked := c.registration
	c.mu.Unlock()

	if device == nil {
		return c.Initialize(ctx)
	}
	if tracked == types.RegistrationStatusRegistered && device.IsRegistered() {
		return nil
	}
	if err := c.attemptRecovery(ctx, device); err != nil {
		return err
	}
	return nil
}

// Registration returns the current registration status
func (c *Coordinator) Registration() types.RegistrationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registration
}

// Teardown destroys the device and permanently closes the coordinator.
// An in-flight call is abandoned; the provider tears the leg down when
// the device goes away.
func (c *Coordinator) Teardown(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.clearConnectDeadlineLocked()
	device := c.device
	c.device = nil
	c.activeCall = nil
	c.registration = types.RegistrationStatusUnregistered
	c.state = types.CallStateIdle
	c.mu.Unlock()

	if device != nil {
		device.Destroy()
	}
	c.setAgentStatus(false)
	c.logger.Info().Msg("session torn down")
}

func (c *Coordinator) handleRegistered() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.registration = types.RegistrationStatusRegistered
	c.publishSnapshotLocked()
	c.mu.Unlock()
}

func (c *Coordinator) markRegistered() {
	c.mu.Lock()
	if !c.closed {
		c.registration = types.RegistrationStatusRegistered
		c.publishSnapshotLocked()
	}
	c.mu.Unlock()
}

// handleUnregistered runs the bounded recovery sequence: wait briefly,
// retry once, and if that fails refresh the token and retry once more.
// After that the disconnect is surfaced to the agent instead of looping.
func (c *Coordinator) handleUnregistered() {
	c.mu.Lock()
	if c.closed || c.reRegistering {
		c.mu.Unlock()
		return
	}
	c.reRegistering = true
	c.registration = types.RegistrationStatusUnregistered
	device := c.device
	c.publishSnapshotLocked()
	c.mu.Unlock()

	c.notice(types.NoticeLevelWarning, types.NoticeCodeReconnecting, "phone connection lost, reconnecting")
	metrics.RecordReRegistration()

	go func() {
		defer func() {
			c.mu.Lock()
			c.reRegistering = false
			c.mu.Unlock()
		}()

		c.clock.Sleep(reRegisterDelay)
		if c.isClosed() || device == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
		defer cancel()

		if err := c.attemptRecovery(ctx, device); err != nil {
			c.logger.Error().Err(err).Msg("re-registration exhausted")
			c.notice(types.NoticeLevelError, types.NoticeCodeDisconnected, "phone connection lost, please sign in again")
			return
		}
		c.notice(types.NoticeLevelInfo, types.NoticeCodeRegistered, "phone connection restored")
	}()
}

// attemptRecovery is the shared core of the bounded recovery: one plain
// register attempt, then a token refresh followed by one more attempt
func (c *Coordinator) attemptRecovery(ctx context.Context, device telephony.Device) error {
	regErr := device.Register(ctx)
	if regErr == nil {
		c.markRegistered()
		return nil
	}
	c.logger.Warn().Err(regErr).Msg("re-registration attempt failed, refreshing token")

	token, err := c.backend.FetchVoiceToken(ctx, c.agentID)
	if err != nil {
		return fmt.Errorf("session: refresh voice token: %w", err)
	}
	if err := device.UpdateToken(token.Token); err != nil {
		return fmt.Errorf("session: update device token: %w", err)
	}
	if err := device.Register(ctx); err != nil {
		return fmt.Errorf("session: re-register device: %w", err)
	}
	c.markRegistered()
	return nil
}

// handleTokenWillExpire refreshes the access token in place, without
// interrupting registration or any active call
func (c *Coordinator) handleTokenWillExpire() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
		defer cancel()

		token, err := c.backend.FetchVoiceToken(ctx, c.agentID)
		if err != nil {
			c.logger.Warn().Err(err).Msg("token refresh failed, registration may lapse")
			return
		}

		c.mu.Lock()
		device := c.device
		closed := c.closed
		c.mu.Unlock()
		if closed || device == nil {
			return
		}
		if err := device.UpdateToken(token.Token); err != nil {
			c.logger.Warn().Err(err).Msg("device rejected refreshed token")
			return
		}
		c.logger.Debug().Msg("voice token refreshed")
	}()
}

func (c *Coordinator) handleDeviceError(err error) {
	c.logger.Warn().Err(err).Msg("telephony device error")
}

func (c *Coordinator) setAgentStatus(online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()
	if err := c.backend.SetAgentStatus(ctx, c.agentID, online); err != nil {
		c.logger.Warn().Err(err).Bool("online", online).Msg("agent status update failed")
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) notice(level types.NoticeLevel, code, message string) {
	c.mu.Lock()
	c.noticeLocked(level, code, message)
	c.mu.Unlock()
}
