// One player creates a session and becomes the originator
// The originator writes a question and a secret answer
// Everyone else joins the session by id (or by scanning the session QR code)
// Once enough players have joined, the originator starts the round
// Guessers race to submit the correct answer before the deadline
// Each guesser gets a fixed number of attempts; an attempt is spent whether or not the guess is correct
// The first correct guess wins the round and the point award; everyone else is told "wrong", even if their text matched but arrived second
// If nobody guesses in time, the round ends with no winner and the answer is revealed
// A session plays one round; "play again" means creating a new session
// Chat runs alongside the game for the whole session

// Display formats:
// Single page: lobby (name + create/join), then member list, question/guess forms, score table, chat

// Implementation details:
// - One websocket connection per participant; dropping the connection counts as leaving
// - Session and player ids are uuids, assigned server-side
// - The answer never leaves the server until the round resolves

package games
