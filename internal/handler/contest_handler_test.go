package handler_test

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-judge-api/internal/dto"
	"github.com/noah-isme/gema-judge-api/internal/handler"
	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/pkg/judge"
)

func TestContestHandlerLifecycle(t *testing.T) {
	ja := newJudgeApp(t)
	now := time.Now().UTC()

	payload := fiber.Map{
		"title":           "Spring Cup",
		"start_time":      now.Add(-time.Minute),
		"end_time":        now.Add(time.Hour),
		"penalty_seconds": 1200,
		"problem_ids":     []uint{ja.problem.ID},
	}

	resp := ja.do(t, http.MethodPost, "/api/v1/contests", ja.student, payload)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp = ja.do(t, http.MethodPost, "/api/v1/contests", ja.admin, payload)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var contest dto.ContestResponse
	decodeData(t, resp, &contest)
	require.Equal(t, "spring-cup", contest.Slug)
	require.Equal(t, "RUNNING", contest.Status)

	resp = ja.do(t, http.MethodGet, "/api/v1/contests/spring-cup", ja.student, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ja.do(t, http.MethodGet, "/api/v1/contests/missing-round", ja.student, nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = ja.do(t, http.MethodPost, fmt.Sprintf("/api/v1/contests/%d/join", contest.ID), ja.student, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp.Body.Close()

	ja.judge.enqueue(judge.Result{Status: "WA", Point: 30, ExecutionTimeMs: 50})
	resp = ja.do(t, http.MethodPost, "/api/v1/submissions", ja.student, fiber.Map{
		"problem_id":  ja.problem.ID,
		"contest_id":  contest.ID,
		"language":    "cpp17",
		"source_code": "int main() {}",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = ja.do(t, http.MethodGet, fmt.Sprintf("/api/v1/contests/%d/standings", contest.ID), ja.student, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var standings dto.StandingsResponse
	decodeData(t, resp, &standings)
	require.Len(t, standings.Rows, 1)
	require.Equal(t, 1, standings.Rows[0].Rank)
	require.Equal(t, 30, standings.Rows[0].TotalScore)
	require.Equal(t, []uint{ja.problem.ID}, standings.ProblemIDs)

	resp = ja.do(t, http.MethodPost, fmt.Sprintf("/api/v1/contests/%d/leave", contest.ID), ja.student, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ja.do(t, http.MethodPost, fmt.Sprintf("/api/v1/contests/%d/leave", contest.ID), ja.student, nil)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = ja.do(t, http.MethodPost, "/api/v1/submissions", ja.student, fiber.Map{
		"problem_id":  ja.problem.ID,
		"contest_id":  contest.ID,
		"language":    "cpp17",
		"source_code": "int main() {}",
	})
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestContestHandlerValidation(t *testing.T) {
	ja := newJudgeApp(t)
	now := time.Now().UTC()

	resp := ja.do(t, http.MethodPost, "/api/v1/contests", ja.admin, fiber.Map{
		"title":      "Backwards",
		"start_time": now,
		"end_time":   now.Add(-time.Hour),
	})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	var env envelope
	decodeResponse(t, resp, &env)
	require.Contains(t, string(env.Details), "EndTime")

	resp = ja.do(t, http.MethodGet, "/api/v1/contests/0/standings", ja.student, nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestContestStandingsWebsocketPushesUpdates(t *testing.T) {
	ja := newJudgeApp(t)
	contest := ja.runningContest(t, ja.problem.ID)

	resp := ja.do(t, http.MethodPost, fmt.Sprintf("/api/v1/contests/%d/join", contest.ID), ja.student, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp.Body.Close()

	baseURL, shutdown := startFiberServer(t, ja.app)
	defer shutdown()

	header := http.Header{}
	header.Set("X-Test-User", strconv.FormatUint(uint64(ja.student.ID), 10))
	wsURL := strings.Replace(baseURL, "http://", "ws://", 1) + fmt.Sprintf("/api/v1/contests/%d/standings/ws", contest.ID)

	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, _, err := dialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	var snapshot handler.StandingsMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&snapshot))
	require.Equal(t, "standings", snapshot.Type)
	require.Len(t, snapshot.Data.Rows, 1)
	require.Zero(t, snapshot.Data.Rows[0].TotalScore)

	ja.judge.enqueue(judge.Result{Status: "AC", Point: 100, ExecutionTimeMs: 15})
	resp = ja.do(t, http.MethodPost, "/api/v1/submissions", ja.student, fiber.Map{
		"problem_id":  ja.problem.ID,
		"contest_id":  contest.ID,
		"language":    "python3",
		"source_code": "print(1)",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	var update handler.StandingsMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&update))
	require.Len(t, update.Data.Rows, 1)
	require.Equal(t, 100, update.Data.Rows[0].TotalScore)
	require.Equal(t, models.VerdictAccepted, update.Data.Rows[0].Cells[0].Status)
}

func TestContestStandingsWebsocketUnknownContest(t *testing.T) {
	ja := newJudgeApp(t)

	baseURL, shutdown := startFiberServer(t, ja.app)
	defer shutdown()

	header := http.Header{}
	header.Set("X-Test-User", strconv.FormatUint(uint64(ja.student.ID), 10))
	wsURL := strings.Replace(baseURL, "http://", "ws://", 1) + "/api/v1/contests/777/standings/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
	require.Equal(t, 4404, closeErr.Code)
}

func startFiberServer(t *testing.T, app *fiber.App) (string, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
	}()

	return "http://" + listener.Addr().String(), func() {
		_ = app.Shutdown()
	}
}
