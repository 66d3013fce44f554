// Package glicko implements the Glicko-2 rating algorithm as described in
// Glickman's "Example of the Glicko-2 system" paper. Ratings are kept on the
// original Glicko scale (1500-centered) and converted internally.
package glicko

import "math"

const (
	// DefaultRating is the rating assigned to an unrated player.
	DefaultRating = 1500.0
	// DefaultDeviation is the rating deviation assigned to an unrated player.
	DefaultDeviation = 350.0
	// DefaultVolatility is the volatility assigned to an unrated player.
	DefaultVolatility = 0.06
	// DefaultTau constrains how much volatility can change per period.
	DefaultTau = 0.5

	scaleFactor = 173.7178
	epsilon     = 0.000001
)

// Rating is a player's state on the original Glicko scale.
type Rating struct {
	Mu    float64 // rating, 1500-centered
	Phi   float64 // rating deviation
	Sigma float64 // volatility
}

// NewRating returns the default rating for an unrated player.
func NewRating() Rating {
	return Rating{Mu: DefaultRating, Phi: DefaultDeviation, Sigma: DefaultVolatility}
}

// Result is one game outcome from the rated player's perspective.
type Result struct {
	Opponent Rating
	Score    float64 // 1 win, 0.5 draw, 0 loss
}

// g dampens the impact of an opponent's rating by their deviation.
func g(phi float64) float64 {
	return 1.0 / math.Sqrt(1.0+3.0*phi*phi/(math.Pi*math.Pi))
}

// e is the expected score against an opponent on the Glicko-2 scale.
func e(mu, muJ, phiJ float64) float64 {
	return 1.0 / (1.0 + math.Exp(-g(phiJ)*(mu-muJ)))
}

// f is the function whose zero is the new log-volatility (step 5 of the paper).
func f(x, delta, phi, v, a, tau float64) float64 {
	ex := math.Exp(x)
	num := ex * (delta*delta - phi*phi - v - ex)
	denom := 2.0 * (phi*phi + v + ex) * (phi*phi + v + ex)
	return num/denom - (x-a)/(tau*tau)
}

// Update applies one rating period's results to r and returns the new rating.
// With no results the deviation grows by the volatility, per the paper's
// treatment of inactive players; mu and sigma are unchanged.
func Update(r Rating, results []Result, tau float64) Rating {
	if tau <= 0 {
		tau = DefaultTau
	}

	// Step 2: convert to the Glicko-2 scale.
	mu := (r.Mu - DefaultRating) / scaleFactor
	phi := r.Phi / scaleFactor
	sigma := r.Sigma

	if len(results) == 0 {
		phiStar := math.Sqrt(phi*phi + sigma*sigma)
		return Rating{Mu: r.Mu, Phi: phiStar * scaleFactor, Sigma: sigma}
	}

	// Step 3: estimated variance from game outcomes.
	var vInv, deltaSum float64
	for _, res := range results {
		muJ := (res.Opponent.Mu - DefaultRating) / scaleFactor
		phiJ := res.Opponent.Phi / scaleFactor
		gj := g(phiJ)
		ej := e(mu, muJ, phiJ)
		vInv += gj * gj * ej * (1.0 - ej)
		deltaSum += gj * (res.Score - ej)
	}
	v := 1.0 / vInv

	// Step 4: estimated improvement.
	delta := v * deltaSum

	// Step 5: new volatility via the Illinois variant of regula falsi.
	a := math.Log(sigma * sigma)
	A := a
	var B float64
	if delta*delta > phi*phi+v {
		B = math.Log(delta*delta - phi*phi - v)
	} else {
		k := 1.0
		for f(a-k*tau, delta, phi, v, a, tau) < 0 {
			k++
		}
		B = a - k*tau
	}

	fA := f(A, delta, phi, v, a, tau)
	fB := f(B, delta, phi, v, a, tau)
	for math.Abs(B-A) > epsilon {
		C := A + (A-B)*fA/(fB-fA)
		fC := f(C, delta, phi, v, a, tau)
		if fC*fB <= 0 {
			A = B
			fA = fB
		} else {
			fA /= 2
		}
		B = C
		fB = fC
	}
	newSigma := math.Exp(A / 2)

	// Step 6: deviation at the start of the period.
	phiStar := math.Sqrt(phi*phi + newSigma*newSigma)

	// Step 7: new deviation and rating.
	newPhi := 1.0 / math.Sqrt(1.0/(phiStar*phiStar)+1.0/v)
	newMu := mu + newPhi*newPhi*deltaSum

	// Step 8: back to the original scale.
	return Rating{
		Mu:    newMu*scaleFactor + DefaultRating,
		Phi:   newPhi * scaleFactor,
		Sigma: newSigma,
	}
}

// UpdatePair applies a single head-to-head outcome to both sides and returns
// the new ratings. score is a's score against b (1, 0.5, or 0). Both updates
// use the pre-game ratings, so the result is symmetric.
func UpdatePair(ra, rb Rating, score, tau float64) (Rating, Rating) {
	newA := Update(ra, []Result{{Opponent: rb, Score: score}}, tau)
	newB := Update(rb, []Result{{Opponent: ra, Score: 1.0 - score}}, tau)
	return newA, newB
}
